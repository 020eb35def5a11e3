// Package retry decides what happens to a job after a failed dispatch
// attempt. The decision is a pure function of the attempt count and the
// failure class; it touches no shared state.
package retry

import (
	"time"

	"portal-orchestrator/internal/models"
)

// FailureKind classifies why an attempt failed. The transient kinds
// (transport, timeout, worker errors, stale reclamation) are retryable;
// validation rejections by the worker are definitive and never retried.
type FailureKind int

const (
	KindTransport FailureKind = iota
	KindTimeout
	KindWorkerError
	KindValidation
	KindStale
)

func (k FailureKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindWorkerError:
		return "worker_error"
	case KindValidation:
		return "validation"
	case KindStale:
		return "stale"
	}
	return "unknown"
}

// Retryable reports whether the kind may be retried at all.
func (k FailureKind) Retryable() bool {
	return k != KindValidation
}

// Decision is the outcome of Decide: either retry after Delay, or settle the
// job with terminal Status.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Status string
}

// Policy carries the configured retry bounds. Delay is fixed per attempt.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Decide returns the decision for a job on its attemptCount-th attempt.
// attemptCount includes the attempt that just failed, so a policy with
// MaxAttempts retries allows MaxAttempts+1 total attempts.
func (p Policy) Decide(attemptCount int, kind FailureKind) Decision {
	if !kind.Retryable() {
		return Decision{Status: models.StatusFailed}
	}
	if attemptCount < p.MaxAttempts+1 {
		return Decision{Retry: true, Delay: p.Delay}
	}
	return Decision{Status: models.StatusFailed}
}
