// Package executor implements the orchestrator side of the execution
// contract: one bounded HTTP request per dispatch attempt, returning the
// worker's structured outcome or a classified failure.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"portal-orchestrator/internal/models"
	"portal-orchestrator/internal/retry"
)

// Request is the payload posted to a worker's /execute endpoint.
type Request struct {
	JobID      int64             `json:"job_id"`
	DispatchID string            `json:"dispatch_id"`
	Provider   string            `json:"provider"`
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters"`
}

// Response is the worker's structured reply. Status is "success" or "error";
// a successful contract call does not imply job success, only that the worker
// ran the automation and Result is authoritative.
type Response struct {
	Status string         `json:"status"`
	JobID  int64          `json:"job_id"`
	Result *models.Result `json:"result"`
}

// Accepted marks an async dispatch: the worker acknowledged the job and will
// report the outcome on the reverse channel.
const statusAccepted = "accepted"

// Error wraps an attempt failure with its retry classification.
type Error struct {
	Kind retry.FailureKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Client posts execution-contract requests to workers.
type Client struct {
	httpClient *http.Client
}

// New builds a client whose requests are bounded by timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Execute runs one attempt against the worker endpoint. A nil error means
// the worker produced a structured response; the caller interprets it.
// A *Error carries the failure classification for the retry policy.
func (c *Client) Execute(ctx context.Context, endpoint string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: retry.KindValidation, Msg: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: retry.KindTransport, Msg: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: retry.KindTimeout, Msg: err.Error()}
		}
		return nil, &Error{Kind: retry.KindTransport, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), Msg: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: retry.KindTransport, Msg: fmt.Sprintf("decode response: %v", err)}
	}
	return &out, nil
}

// Async reports whether the worker acknowledged the job for asynchronous
// completion via the reverse channel.
func (r *Response) Async() bool {
	return r.Status == statusAccepted
}

// Cancel forwards an advisory cancellation for an in-flight job. The
// orchestrator records the cancellation regardless of the outcome, so errors
// here are informational only.
func (c *Client) Cancel(ctx context.Context, endpoint string, jobID int64, dispatchID string) error {
	body, err := json.Marshal(map[string]any{"job_id": jobID, "dispatch_id": dispatchID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/cancel", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned %d", resp.StatusCode)
	}
	return nil
}

// kindForStatus classifies a non-2xx contract reply. A 4xx is the worker
// definitively rejecting the request, so retrying the same payload cannot
// succeed; 408 and 429 are the transient exceptions.
func kindForStatus(code int) retry.FailureKind {
	if code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return retry.KindValidation
	}
	return retry.KindTransport
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
