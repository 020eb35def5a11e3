package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"portal-orchestrator/internal/models"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDeliverFirstAttempt(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSender(srv.URL, 3, 10*time.Millisecond)
	s.Start(ctx)

	s.Enqueue(models.Callback{JobID: 1, Status: models.StatusCompleted, Provider: "mfn"})
	waitFor(t, func() bool { return atomic.LoadInt64(&hits) == 1 })
}

func TestRetriesThenSucceeds(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSender(srv.URL, 3, 5*time.Millisecond)
	s.Start(ctx)

	s.Enqueue(models.Callback{JobID: 2, Status: models.StatusFailed, Provider: "mfn"})
	waitFor(t, func() bool { return atomic.LoadInt64(&hits) == 3 })
}

func TestDropsAfterBudget(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSender(srv.URL, 2, 5*time.Millisecond)
	s.Start(ctx)

	s.Enqueue(models.Callback{JobID: 3, Status: models.StatusFailed, Provider: "mfn"})
	waitFor(t, func() bool { return atomic.LoadInt64(&hits) == 2 })

	// Budget exhausted: no further attempts.
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDisabledURLDropsSilently(t *testing.T) {
	s := NewSender("", 3, time.Millisecond)
	// Must not block or panic with no sender goroutines running.
	s.Enqueue(models.Callback{JobID: 4})
}
