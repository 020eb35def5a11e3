// Package artifact offloads large worker-returned result artifacts (e.g.
// base64 screenshots) out of the jobs table, replacing them with a storage
// reference. Bytes are opaque; the orchestrator never decodes image content.
package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"portal-orchestrator/internal/models"
)

// The detail key workers use for inline screenshot payloads, and the key the
// orchestrator replaces it with after offloading.
const (
	detailScreenshot = "screenshot_b64"
	detailRef        = "screenshot_ref"
)

// Uploader stores artifact bytes and returns a reference.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Offloader rewrites result details, moving oversized inline artifacts to the
// configured uploader.
type Offloader struct {
	uploader  Uploader
	threshold int
}

// NewOffloader builds an offloader. threshold is the inline size in bytes
// above which artifacts are moved out; zero keeps the default of 16 KiB.
func NewOffloader(uploader Uploader, threshold int) *Offloader {
	if threshold <= 0 {
		threshold = 16 * 1024
	}
	return &Offloader{uploader: uploader, threshold: threshold}
}

// Offload moves an inline screenshot out of the result when present and large
// enough. Failures leave the result unchanged; offloading is best-effort.
func (o *Offloader) Offload(ctx context.Context, jobID int64, result *models.Result) error {
	if o == nil || o.uploader == nil || result == nil || result.Details == nil {
		return nil
	}
	encoded, ok := result.Details[detailScreenshot]
	if !ok || len(encoded) < o.threshold {
		return nil
	}
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode artifact for job %d: %w", jobID, err)
	}
	key := fmt.Sprintf("jobs/%d/screenshot.png", jobID)
	ref, err := o.uploader.Upload(ctx, key, body, "image/png")
	if err != nil {
		return fmt.Errorf("upload artifact for job %d: %w", jobID, err)
	}
	delete(result.Details, detailScreenshot)
	result.Details[detailRef] = ref
	return nil
}

// LocalUploader writes artifacts under a base directory, for dev setups
// without S3.
type LocalUploader struct {
	BaseDir string
}

func (u *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	path := filepath.Join(u.BaseDir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "file://" + path, nil
}
