// Package scheduler drives periodic dispatch cycles and maintenance. One
// scheduling loop coordinates many concurrent dispatch tasks; the store's
// ClaimBatch is the sole mutual-exclusion boundary, so the manual trigger and
// the regular tick can safely race.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"portal-orchestrator/internal/models"
	"portal-orchestrator/internal/retry"
	"portal-orchestrator/internal/store"
	"portal-orchestrator/internal/telemetry"
)

const staleBatchLimit = 100

// JobStore is the slice of the job store the scheduler drives.
type JobStore interface {
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
	MarkRetry(ctx context.Context, id int64, delay time.Duration) error
	MarkTerminal(ctx context.Context, id int64, status string, result *models.Result) error
	CountsByStatus(ctx context.Context) (map[string]int64, error)
}

// JobRunner executes one claimed job to a settled state.
type JobRunner interface {
	Dispatch(ctx context.Context, job models.Job)
}

// Callbacks receives terminal-status notifications for delivery.
type Callbacks interface {
	Enqueue(cb models.Callback)
}

// Options bound the scheduler's cadence and concurrency.
type Options struct {
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	StaleTimeout    time.Duration
	BatchSize       int
	MaxConcurrent   int
}

// Scheduler owns the dispatch and maintenance loops.
type Scheduler struct {
	store     JobStore
	runner    JobRunner
	policy    retry.Policy
	callbacks Callbacks
	opts      Options

	sem     chan struct{}
	trigger chan struct{}
	wg      sync.WaitGroup
}

// New builds a scheduler. MaxConcurrent should match the worker registry's
// total capacity so claims never outrun dispatch slots by much.
func New(st JobStore, runner JobRunner, policy retry.Policy, callbacks Callbacks, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = opts.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Scheduler{
		store:     st,
		runner:    runner,
		policy:    policy,
		callbacks: callbacks,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		trigger:   make(chan struct{}, 1),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	dispatchTicker := time.NewTicker(s.opts.PollInterval)
	defer dispatchTicker.Stop()
	reclaimTicker := time.NewTicker(s.opts.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-dispatchTicker.C:
			s.runCycle(ctx)
		case <-s.trigger:
			s.runCycle(ctx)
		case <-reclaimTicker.C:
			s.reclaim(ctx)
			s.refreshCounts(ctx)
		}
	}
}

// TriggerNow requests an out-of-band dispatch cycle. Non-blocking and
// idempotent: a cycle already queued absorbs the request, and both paths
// funnel through the same atomic claim.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// runCycle claims one batch and hands each job to the runner as an
// independent unit of work, bounded by the dispatch semaphore.
func (s *Scheduler) runCycle(ctx context.Context) {
	claimed, err := s.store.ClaimBatch(ctx, s.opts.BatchSize, time.Now())
	if err != nil {
		log.Printf("claim batch: %v", err)
		return
	}
	for _, job := range claimed {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(job models.Job) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runner.Dispatch(ctx, job)
		}(job)
	}
}

// reclaim recovers jobs stuck in an in-flight state past the stale timeout
// (worker crash, network partition, orchestrator crash mid-dispatch) and
// routes each through the retry policy.
func (s *Scheduler) reclaim(ctx context.Context) {
	cutoff := time.Now().Add(-s.opts.StaleTimeout)
	stale, err := s.store.ListStale(ctx, cutoff, staleBatchLimit)
	if err != nil {
		log.Printf("list stale jobs: %v", err)
		return
	}
	for _, job := range stale {
		decision := s.policy.Decide(job.AttemptCount, retry.KindStale)
		if decision.Retry {
			err = s.store.MarkRetry(ctx, job.ID, decision.Delay)
		} else {
			result := &models.Result{
				Status:  "stale",
				Message: "no worker response within the stale timeout",
			}
			err = s.store.MarkTerminal(ctx, job.ID, decision.Status, result)
			if err == nil {
				s.callbacks.Enqueue(models.Callback{
					JobID:         job.ID,
					ExternalJobID: job.ExternalJobID,
					Status:        decision.Status,
					Provider:      job.Provider,
					Result:        result,
				})
			}
		}
		if err != nil {
			// A worker settled the job between the query and the transition;
			// the guarded update refused to overwrite it.
			if !errors.Is(err, store.ErrConflict) {
				log.Printf("reclaim job %d: %v", job.ID, err)
			}
			continue
		}
		telemetry.JobsReclaimed.Inc()
		log.Printf("reclaimed stale job %d (attempt %d, retry=%v)", job.ID, job.AttemptCount, decision.Retry)
	}
}

func (s *Scheduler) refreshCounts(ctx context.Context) {
	counts, err := s.store.CountsByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []string{
		models.StatusPending, models.StatusDispatching, models.StatusRunning,
		models.StatusRetryPending, models.StatusCompleted, models.StatusFailed,
		models.StatusError, models.StatusCancelled,
	} {
		telemetry.StatusCounts.WithLabelValues(status).Set(float64(counts[status]))
	}
}
