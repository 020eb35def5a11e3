package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending      = "pending"
	StatusDispatching  = "dispatching"
	StatusRunning      = "running"
	StatusRetryPending = "retry_pending"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusError        = "error"
	StatusCancelled    = "cancelled"
)

// Actions accepted by the orchestrator. The required-parameter set for each
// action is provider-dependent and lives in the provider schema registry.
const (
	ActionValidation   = "validation"
	ActionCancellation = "cancellation"
)

// IsTerminal reports whether a status can never be left again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Result is the structured outcome reported by a worker (or synthesized by
// the orchestrator for internal faults).
type Result struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Job represents one portal-automation job persisted in Postgres.
type Job struct {
	ID             int64             `json:"id"`
	ExternalJobID  *string           `json:"external_job_id,omitempty"`
	Provider       string            `json:"provider"`
	Action         string            `json:"action"`
	Parameters     map[string]string `json:"parameters"`
	Priority       int               `json:"priority"`
	Status         string            `json:"status"`
	AssignedWorker *string           `json:"assigned_worker,omitempty"`
	DispatchID     *string           `json:"dispatch_id,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	Result         *Result           `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
}

// Callback is the ephemeral record queued for terminal-status notification.
// It is never persisted; delivery failure is logged, not fatal to the job.
type Callback struct {
	JobID         int64   `json:"job_id"`
	ExternalJobID *string `json:"external_job_id,omitempty"`
	Status        string  `json:"status"`
	Provider      string  `json:"provider"`
	Result        *Result `json:"result,omitempty"`
}
