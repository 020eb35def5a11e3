// Package callback delivers terminal-status notifications to the configured
// external endpoint. Delivery is best-effort: a record that exhausts its
// retry budget is dropped with a log line and never affects the job itself.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"portal-orchestrator/internal/models"
	"portal-orchestrator/internal/telemetry"
)

const senderCount = 4

// Sender queues and posts callbacks without blocking job processing. It owns
// its own HTTP client so a slow callback endpoint cannot starve dispatches.
type Sender struct {
	url         string
	maxAttempts int
	interval    time.Duration
	httpClient  *http.Client

	queue chan models.Callback
	wg    sync.WaitGroup
}

// NewSender builds a sender; an empty url disables delivery (records are
// dropped silently, useful in dev).
func NewSender(url string, maxAttempts int, interval time.Duration) *Sender {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sender{
		url:         url,
		maxAttempts: maxAttempts,
		interval:    interval,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		queue:       make(chan models.Callback, 256),
	}
}

// Start launches the sender pool. Stop with ctx cancellation, then Wait.
func (s *Sender) Start(ctx context.Context) {
	for i := 0; i < senderCount; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case cb := <-s.queue:
					s.deliver(ctx, cb)
				}
			}
		}()
	}
}

// Wait blocks until all sender goroutines have exited.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Enqueue schedules a callback for delivery. It never blocks: when the queue
// is full the record is dropped with a log line, mirroring the bounded-budget
// drop on delivery failure.
func (s *Sender) Enqueue(cb models.Callback) {
	if s.url == "" {
		return
	}
	select {
	case s.queue <- cb:
	default:
		telemetry.CallbacksDropped.Inc()
		log.Printf("callback queue full, dropping notification for job %d", cb.JobID)
	}
}

func (s *Sender) deliver(ctx context.Context, cb models.Callback) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.post(ctx, cb); err == nil {
			telemetry.CallbacksDelivered.Inc()
			return
		} else if attempt < s.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		} else {
			telemetry.CallbacksDropped.Inc()
			log.Printf("callback for job %d dropped after %d attempts: %v", cb.JobID, attempt, err)
		}
	}
}

func (s *Sender) post(ctx context.Context, cb models.Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
