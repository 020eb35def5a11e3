// Package registry tracks the configured worker endpoints, their per-worker
// concurrency budget, and the bearer tokens workers use on the reverse
// channel.
package registry

import (
	"sync"
	"time"
)

// Worker is one configured execution endpoint. Its counters are guarded by
// the owning Registry's mutex.
type Worker struct {
	Endpoint string

	inFlight     int
	penaltyUntil time.Time
	failures     int
}

// Registry holds the static worker set. Workers are never removed; a worker
// that keeps failing is temporarily deprioritized, not dropped.
type Registry struct {
	mu         sync.Mutex
	workers    []*Worker
	perWorker  int
	authTokens map[string]struct{}

	// penaltyBase grows linearly with consecutive failures, capped.
	penaltyBase time.Duration
	penaltyMax  time.Duration

	now func() time.Time
}

// New builds a registry from the configured endpoint list. perWorker bounds
// concurrent dispatches per endpoint; authTokens is the allow-list for the
// worker reverse channel.
func New(endpoints []string, perWorker int, authTokens []string) *Registry {
	if perWorker <= 0 {
		perWorker = 1
	}
	r := &Registry{
		perWorker:   perWorker,
		authTokens:  make(map[string]struct{}, len(authTokens)),
		penaltyBase: 15 * time.Second,
		penaltyMax:  2 * time.Minute,
		now:         time.Now,
	}
	for _, e := range endpoints {
		r.workers = append(r.workers, &Worker{Endpoint: e})
	}
	for _, t := range authTokens {
		r.authTokens[t] = struct{}{}
	}
	return r
}

// Capacity returns the total concurrent dispatch budget across all workers.
func (r *Registry) Capacity() int {
	return len(r.workers) * r.perWorker
}

// Acquire reserves a dispatch slot on the least-loaded available worker.
// It returns nil when every worker is saturated or penalized; the caller
// defers those jobs to the next cycle. Selection and reservation happen
// under one lock so inFlight never exceeds the per-worker cap.
func (r *Registry) Acquire() *Worker {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Worker
	for _, w := range r.workers {
		if w.inFlight >= r.perWorker || now.Before(w.penaltyUntil) {
			continue
		}
		if best == nil || w.inFlight < best.inFlight {
			best = w
		}
	}
	if best == nil {
		return nil
	}
	best.inFlight++
	return best
}

// Release returns a dispatch slot. Must be called exactly once per Acquire,
// regardless of the dispatch outcome.
func (r *Registry) Release(w *Worker) {
	r.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	r.mu.Unlock()
}

// Penalize records a transport failure against the worker, deprioritizing it
// for a growing window. A later success clears the penalty.
func (r *Registry) Penalize(w *Worker) {
	r.mu.Lock()
	w.failures++
	penalty := time.Duration(w.failures) * r.penaltyBase
	if penalty > r.penaltyMax {
		penalty = r.penaltyMax
	}
	w.penaltyUntil = r.now().Add(penalty)
	r.mu.Unlock()
}

// Reward clears any accumulated failure penalty after a successful dispatch.
func (r *Registry) Reward(w *Worker) {
	r.mu.Lock()
	w.failures = 0
	w.penaltyUntil = time.Time{}
	r.mu.Unlock()
}

// IsAuthorized reports whether a reverse-channel caller presented a known
// worker token. An empty allow-list rejects everything.
func (r *Registry) IsAuthorized(token string) bool {
	_, ok := r.authTokens[token]
	return ok
}

// InFlightTotal sums in-flight counts across workers, for metrics.
func (r *Registry) InFlightTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, w := range r.workers {
		total += w.inFlight
	}
	return total
}
