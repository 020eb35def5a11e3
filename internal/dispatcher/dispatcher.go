// Package dispatcher turns a claimed job into a worker invocation and applies
// the resulting state transition. Every transition is written through the job
// store before the job is considered settled; a crash between the worker call
// and the store write is recovered by stale reclamation.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"portal-orchestrator/internal/artifact"
	"portal-orchestrator/internal/executor"
	"portal-orchestrator/internal/models"
	"portal-orchestrator/internal/registry"
	"portal-orchestrator/internal/retry"
	"portal-orchestrator/internal/store"
	"portal-orchestrator/internal/telemetry"
)

// JobStore is the slice of the job store the dispatcher writes through.
type JobStore interface {
	ReleaseClaim(ctx context.Context, id int64) error
	MarkRunning(ctx context.Context, id int64, worker, dispatchID string) error
	MarkTerminal(ctx context.Context, id int64, status string, result *models.Result) error
	MarkRetry(ctx context.Context, id int64, delay time.Duration) error
}

// Executor runs one execution-contract attempt against a worker endpoint.
type Executor interface {
	Execute(ctx context.Context, endpoint string, req executor.Request) (*executor.Response, error)
}

// Callbacks receives terminal-status notifications for delivery.
type Callbacks interface {
	Enqueue(cb models.Callback)
}

// Dispatcher dispatches claimed jobs to workers.
type Dispatcher struct {
	store     JobStore
	workers   *registry.Registry
	exec      Executor
	policy    retry.Policy
	callbacks Callbacks
	offloader *artifact.Offloader
}

// New wires a dispatcher. offloader may be nil.
func New(st JobStore, workers *registry.Registry, exec Executor, policy retry.Policy, callbacks Callbacks, offloader *artifact.Offloader) *Dispatcher {
	return &Dispatcher{
		store:     st,
		workers:   workers,
		exec:      exec,
		policy:    policy,
		callbacks: callbacks,
		offloader: offloader,
	}
}

// Dispatch runs one claimed job to a settled state (running-async, retry
// scheduled, or terminal). It is safe to run concurrently with other
// dispatches; the claim already guarantees exclusivity for this job.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job) {
	w := d.workers.Acquire()
	if w == nil {
		// All workers saturated. Undo the claim instead of holding the job,
		// so higher-priority arrivals are not blocked behind it.
		telemetry.JobsDeferred.Inc()
		if err := d.store.ReleaseClaim(ctx, job.ID); err != nil && !errors.Is(err, store.ErrConflict) {
			log.Printf("release claim for job %d: %v", job.ID, err)
		}
		return
	}
	defer d.workers.Release(w)

	dispatchID := uuid.NewString()
	if err := d.store.MarkRunning(ctx, job.ID, w.Endpoint, dispatchID); err != nil {
		// Reclaimed or cancelled between claim and here; nothing to run.
		if !errors.Is(err, store.ErrConflict) {
			log.Printf("mark job %d running: %v", job.ID, err)
		}
		return
	}

	telemetry.JobsDispatched.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	resp, err := d.exec.Execute(ctx, w.Endpoint, executor.Request{
		JobID:      job.ID,
		DispatchID: dispatchID,
		Provider:   job.Provider,
		Action:     job.Action,
		Parameters: job.Parameters,
	})
	if err != nil {
		kind := retry.KindTransport
		msg := err.Error()
		var execErr *executor.Error
		if errors.As(err, &execErr) {
			kind = execErr.Kind
			msg = execErr.Msg
		}
		if kind == retry.KindTransport || kind == retry.KindTimeout {
			d.workers.Penalize(w)
		}
		d.applyFailure(ctx, job, kind, &models.Result{Status: "dispatch_failed", Message: msg})
		return
	}
	d.workers.Reward(w)

	if resp.Async() {
		// Worker acknowledged and will report via the reverse channel; the
		// job stays running until then or until stale reclamation.
		return
	}

	switch resp.Status {
	case "success":
		d.settle(ctx, job, resp.Result)
	case "error":
		kind := retry.KindWorkerError
		if resp.Result != nil && resp.Result.Status == "validation_error" {
			kind = retry.KindValidation
		}
		result := resp.Result
		if result == nil {
			result = &models.Result{Status: "error", Message: "worker reported an error without detail"}
		}
		d.applyFailure(ctx, job, kind, result)
	default:
		d.applyFailure(ctx, job, retry.KindWorkerError,
			&models.Result{Status: "error", Message: "worker returned unknown status " + resp.Status})
	}
}

// settle records a worker-reported outcome. The worker's own result status is
// authoritative: a successful contract call does not imply job success.
func (d *Dispatcher) settle(ctx context.Context, job models.Job, result *models.Result) {
	if result == nil {
		result = &models.Result{Status: "completed"}
	}
	status := models.StatusCompleted
	if result.Status != "completed" {
		status = models.StatusFailed
	}
	d.markTerminal(ctx, job, status, result)
}

// applyFailure routes a failed attempt through the retry policy.
func (d *Dispatcher) applyFailure(ctx context.Context, job models.Job, kind retry.FailureKind, result *models.Result) {
	decision := d.policy.Decide(job.AttemptCount, kind)
	if decision.Retry {
		telemetry.JobsRetried.Inc()
		if err := d.store.MarkRetry(ctx, job.ID, decision.Delay); err != nil && !errors.Is(err, store.ErrConflict) {
			log.Printf("mark job %d for retry: %v", job.ID, err)
		}
		return
	}
	d.markTerminal(ctx, job, decision.Status, result)
}

func (d *Dispatcher) markTerminal(ctx context.Context, job models.Job, status string, result *models.Result) {
	if d.offloader != nil {
		if err := d.offloader.Offload(ctx, job.ID, result); err != nil {
			log.Printf("offload artifact for job %d: %v", job.ID, err)
		}
	}
	if err := d.store.MarkTerminal(ctx, job.ID, status, result); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			log.Printf("mark job %d %s: %v", job.ID, status, err)
		}
		return
	}
	if status == models.StatusCompleted {
		telemetry.JobsCompleted.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
	d.callbacks.Enqueue(models.Callback{
		JobID:         job.ID,
		ExternalJobID: job.ExternalJobID,
		Status:        status,
		Provider:      job.Provider,
		Result:        result,
	})
}
