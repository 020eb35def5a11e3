package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"portal-orchestrator/internal/artifact"
	"portal-orchestrator/internal/models"
	"portal-orchestrator/internal/provider"
	"portal-orchestrator/internal/registry"
	"portal-orchestrator/internal/store"
	"portal-orchestrator/internal/telemetry"
)

// JobStore is the slice of the job store the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	GetJobByExternalID(ctx context.Context, externalID string) (models.Job, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	SettleAttempt(ctx context.Context, id int64, dispatchID, status string, result *models.Result) error
	CountsByStatus(ctx context.Context) (map[string]int64, error)
}

// Trigger kicks an out-of-band dispatch cycle.
type Trigger interface {
	TriggerNow()
}

// Limiter admits or rejects submissions per caller.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// Callbacks receives terminal-status notifications for delivery.
type Callbacks interface {
	Enqueue(cb models.Callback)
}

// WorkerCanceller forwards advisory cancellations to an in-flight worker.
type WorkerCanceller interface {
	Cancel(ctx context.Context, endpoint string, jobID int64, dispatchID string) error
}

// Server wires the orchestration API handlers.
type Server struct {
	store     JobStore
	schema    *provider.Registry
	workers   *registry.Registry
	trigger   Trigger
	limiter   Limiter
	callbacks Callbacks
	canceller WorkerCanceller
	offloader *artifact.Offloader
}

// New constructs the API server. limiter, canceller, and offloader may be nil.
func New(st JobStore, schema *provider.Registry, workers *registry.Registry, trigger Trigger,
	limiter Limiter, callbacks Callbacks, canceller WorkerCanceller, offloader *artifact.Offloader) *Server {
	return &Server{
		store:     st,
		schema:    schema,
		workers:   workers,
		trigger:   trigger,
		limiter:   limiter,
		callbacks: callbacks,
		canceller: canceller,
		offloader: offloader,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/dispatch", s.handleTrigger)
	r.Get("/stats", s.handleStats)

	r.Post("/worker/jobs/{id}/status", s.handleWorkerStatus)
	return r
}

type submitRequest struct {
	Provider      string            `json:"provider"`
	Action        string            `json:"action"`
	Priority      int               `json:"priority"`
	Parameters    map[string]string `json:"parameters"`
	ExternalJobID string            `json:"external_job_id"`
}

type submitResponse struct {
	Job      models.Job `json:"job"`
	Existing bool       `json:"existing"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Priority < 0 || req.Priority > 10 {
		http.Error(w, "priority must be between 0 and 10", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		key := "rl:" + callerFromRequest(r)
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimited.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	params, err := s.schema.Validate(req.Provider, req.Action, req.Parameters)
	if err != nil {
		var verr *provider.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "validation failed", http.StatusInternalServerError)
		return
	}

	job, existing, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ExternalJobID: strings.TrimSpace(req.ExternalJobID),
		Provider:      strings.ToLower(req.Provider),
		Action:        req.Action,
		Parameters:    params,
		Priority:      req.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !existing {
		telemetry.JobsSubmitted.Inc()
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Existing: existing})
}

// handleGetJob looks a job up by its numeric id, or by external id when the
// path segment is not numeric.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	var job models.Job
	var err error
	if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		job, err = s.store.GetJob(r.Context(), id)
	} else {
		job, err = s.store.GetJobByExternalID(r.Context(), raw)
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cancelled, err := s.store.Cancel(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if cancelled && job.Status == models.StatusRunning && job.AssignedWorker != nil && s.canceller != nil {
		// Advisory only: the record is already cancelled, halting the remote
		// automation is best-effort.
		endpoint := *job.AssignedWorker
		dispatchID := ""
		if job.DispatchID != nil {
			dispatchID = *job.DispatchID
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.canceller.Cancel(ctx, endpoint, id, dispatchID); err != nil {
				log.Printf("advisory cancel for job %d: %v", id, err)
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	s.trigger.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountsByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to count jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

type workerStatusRequest struct {
	DispatchID string         `json:"dispatch_id"`
	Status     string         `json:"status"`
	Result     *models.Result `json:"result"`
}

// handleWorkerStatus is the reverse channel: a worker reports the outcome of
// a job it acknowledged asynchronously. The dispatch id must match the
// current attempt, so reports from reclaimed attempts are rejected. The
// match is enforced inside the settle UPDATE; the read below only shapes
// the response and the callback record.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.workers.IsAuthorized(bearerToken(r)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	var req workerStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job.DispatchID == nil || *job.DispatchID != req.DispatchID {
		http.Error(w, "dispatch id mismatch", http.StatusConflict)
		return
	}

	result := req.Result
	if result == nil {
		result = &models.Result{Status: req.Status}
	}
	status := models.StatusFailed
	if req.Status == "success" && result.Status == "completed" {
		status = models.StatusCompleted
	}

	if s.offloader != nil {
		if err := s.offloader.Offload(r.Context(), id, result); err != nil {
			log.Printf("offload artifact for job %d: %v", id, err)
		}
	}
	if err := s.store.SettleAttempt(r.Context(), id, req.DispatchID, status, result); err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "dispatch superseded or job already settled", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if status == models.StatusCompleted {
		telemetry.JobsCompleted.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
	s.callbacks.Enqueue(models.Callback{
		JobID:         job.ID,
		ExternalJobID: job.ExternalJobID,
		Status:        status,
		Provider:      job.Provider,
		Result:        result,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
