package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"portal-orchestrator/internal/retry"
)

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Provider != "mfn" || req.Parameters["circuit_number"] != "FTTX244307" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","job_id":7,"result":{"status":"completed","message":"ok"}}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	resp, err := c.Execute(context.Background(), srv.URL, Request{
		JobID:      7,
		DispatchID: "d-1",
		Provider:   "mfn",
		Action:     "validation",
		Parameters: map[string]string{"circuit_number": "FTTX244307"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "success" || resp.Result == nil || resp.Result.Status != "completed" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Async() {
		t.Fatal("expected synchronous response")
	}
}

func TestExecuteAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"accepted","job_id":7}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	resp, err := c.Execute(context.Background(), srv.URL, Request{JobID: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Async() {
		t.Fatal("expected async acknowledgment")
	}
}

func TestExecuteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(time.Second)
	_, err := c.Execute(context.Background(), srv.URL, Request{JobID: 1})
	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if execErr.Kind != retry.KindTransport {
		t.Fatalf("Kind = %s, want transport", execErr.Kind)
	}
}

func TestExecuteStatusClassification(t *testing.T) {
	tests := []struct {
		code int
		want retry.FailureKind
	}{
		{http.StatusBadRequest, retry.KindValidation},
		{http.StatusUnprocessableEntity, retry.KindValidation},
		{http.StatusRequestTimeout, retry.KindTransport},
		{http.StatusTooManyRequests, retry.KindTransport},
		{http.StatusInternalServerError, retry.KindTransport},
		{http.StatusBadGateway, retry.KindTransport},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no", tt.code)
		}))
		c := New(time.Second)
		_, err := c.Execute(context.Background(), srv.URL, Request{JobID: 1})
		srv.Close()
		var execErr *Error
		if !errors.As(err, &execErr) {
			t.Fatalf("code %d: expected *Error, got %v", tt.code, err)
		}
		if execErr.Kind != tt.want {
			t.Fatalf("code %d: Kind = %s, want %s", tt.code, execErr.Kind, tt.want)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	c := New(20 * time.Millisecond)
	_, err := c.Execute(context.Background(), srv.URL, Request{JobID: 1})
	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if execErr.Kind != retry.KindTimeout {
		t.Fatalf("Kind = %s, want timeout", execErr.Kind)
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	c := New(time.Second)
	_, err := c.Execute(context.Background(), "http://127.0.0.1:1", Request{JobID: 1})
	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if execErr.Kind != retry.KindTransport {
		t.Fatalf("Kind = %s, want transport", execErr.Kind)
	}
}

func TestCancelAdvisory(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second)
	if err := c.Cancel(context.Background(), srv.URL, 9, "d-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/cancel" {
		t.Fatalf("path = %s, want /cancel", gotPath)
	}
}
