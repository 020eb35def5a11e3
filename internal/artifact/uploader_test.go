package artifact

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"portal-orchestrator/internal/models"
)

func TestOffloadReplacesLargeArtifact(t *testing.T) {
	dir := t.TempDir()
	o := NewOffloader(&LocalUploader{BaseDir: dir}, 16)

	payload := base64.StdEncoding.EncodeToString([]byte("pretend this is a screenshot png"))
	result := &models.Result{
		Status:  "completed",
		Details: map[string]string{"screenshot_b64": payload, "circuit_number": "A1"},
	}

	if err := o.Offload(context.Background(), 42, result); err != nil {
		t.Fatalf("offload: %v", err)
	}
	if _, ok := result.Details["screenshot_b64"]; ok {
		t.Fatal("expected inline artifact removed")
	}
	ref := result.Details["screenshot_ref"]
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("unexpected ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(dir, "jobs", "42", "screenshot.png"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "pretend this is a screenshot png" {
		t.Fatalf("unexpected artifact content %q", data)
	}
	if result.Details["circuit_number"] != "A1" {
		t.Fatal("expected unrelated details untouched")
	}
}

func TestOffloadLeavesSmallArtifactInline(t *testing.T) {
	o := NewOffloader(&LocalUploader{BaseDir: t.TempDir()}, 1024)
	result := &models.Result{Details: map[string]string{"screenshot_b64": "dGlueQ=="}}

	if err := o.Offload(context.Background(), 1, result); err != nil {
		t.Fatalf("offload: %v", err)
	}
	if _, ok := result.Details["screenshot_b64"]; !ok {
		t.Fatal("expected small artifact left inline")
	}
}

func TestOffloadNilSafe(t *testing.T) {
	var o *Offloader
	if err := o.Offload(context.Background(), 1, &models.Result{}); err != nil {
		t.Fatalf("nil offloader: %v", err)
	}
	full := NewOffloader(&LocalUploader{BaseDir: t.TempDir()}, 16)
	if err := full.Offload(context.Background(), 1, nil); err != nil {
		t.Fatalf("nil result: %v", err)
	}
}
