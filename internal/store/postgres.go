package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"portal-orchestrator/internal/models"
)

// ErrNotFound indicates the requested job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrConflict indicates a state transition was attempted from an illegal
// predecessor state. The row is left untouched.
var ErrConflict = errors.New("illegal state transition")

const jobFields = `id, external_job_id, provider, action, parameters, priority, status,
	assigned_worker, dispatch_id, attempt_count, result, created_at, started_at,
	completed_at, next_attempt_at`

// Store wraps pgxpool for Postgres persistence of jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job. Parameters are
// assumed to have been validated and sanitized by the provider registry.
type CreateJobParams struct {
	ExternalJobID string
	Provider      string
	Action        string
	Parameters    map[string]string
	Priority      int
}

// CreateJob inserts a pending job row, honoring external-id idempotency.
// It returns the job and a boolean indicating whether an existing job was
// returned instead of a new row being written.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	paramsJSON, err := json.Marshal(p.Parameters)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal parameters: %w", err)
	}

	// Idempotent resubmission short-circuits before writing anything.
	if p.ExternalJobID != "" {
		if existing, err := s.GetJobByExternalID(ctx, p.ExternalJobID); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, ErrNotFound) {
			return models.Job{}, false, err
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (external_job_id, provider, action, parameters, priority, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_job_id) WHERE external_job_id IS NOT NULL DO NOTHING
		RETURNING `+jobFields,
		emptyToNil(p.ExternalJobID), p.Provider, p.Action, paramsJSON, p.Priority, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Someone else claimed the external id after our initial check.
		existing, gerr := s.GetJobByExternalID(ctx, p.ExternalJobID)
		if gerr != nil {
			return models.Job{}, false, fmt.Errorf("resolve duplicate external id: %w", gerr)
		}
		return existing, true, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	return job, false, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobFields+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobByExternalID fetches a job by its caller-supplied correlation id.
func (s *Store) GetJobByExternalID(ctx context.Context, externalID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobFields+` FROM jobs WHERE external_job_id = $1`, externalID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job by external id: %w", err)
	}
	return job, nil
}

// ClaimBatch atomically selects up to limit eligible jobs (pending, or
// retry_pending whose delay has elapsed), highest priority first and FIFO
// within a priority band, and transitions each to dispatching while
// incrementing its attempt counter. FOR UPDATE SKIP LOCKED makes concurrent
// claimers partition the eligible set instead of blocking or double-claiming.
func (s *Store) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM jobs
			WHERE status = $1
			   OR (status = $2 AND next_attempt_at <= $3)
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			status = $5,
			attempt_count = attempt_count + 1,
			started_at = COALESCE(started_at, $3),
			next_attempt_at = NULL,
			updated_at = $3
		FROM eligible
		WHERE jobs.id = eligible.id
		RETURNING `+jobFields,
		models.StatusPending, models.StatusRetryPending, now, limit, models.StatusDispatching)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	// UPDATE ... FROM does not honor the CTE ordering; restore it so the
	// dispatcher hands jobs to workers highest priority first.
	sortClaimed(claimed)
	return claimed, nil
}

// ReleaseClaim reverts a freshly claimed job to pending, undoing the attempt
// increment. Used when no worker capacity is available.
func (s *Store) ReleaseClaim(ctx context.Context, id int64) error {
	return s.guarded(ctx, `
		UPDATE jobs SET
			status = $2,
			attempt_count = greatest(attempt_count - 1, 0),
			assigned_worker = NULL,
			dispatch_id = NULL,
			updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, models.StatusPending, models.StatusDispatching)
}

// MarkRunning records the worker assignment and transitions
// dispatching -> running.
func (s *Store) MarkRunning(ctx context.Context, id int64, worker, dispatchID string) error {
	return s.guarded(ctx, `
		UPDATE jobs SET
			status = $2,
			assigned_worker = $3,
			dispatch_id = $4,
			updated_at = now()
		WHERE id = $1 AND status = $5`,
		id, models.StatusRunning, worker, dispatchID, models.StatusDispatching)
}

// MarkTerminal transitions an in-flight job to a terminal status and records
// the result. Legal only from dispatching or running.
func (s *Store) MarkTerminal(ctx context.Context, id int64, status string, result *models.Result) error {
	if !models.IsTerminal(status) {
		return fmt.Errorf("mark terminal: %q is not a terminal status", status)
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	return s.guarded(ctx, `
		UPDATE jobs SET
			status = $2,
			result = $3,
			assigned_worker = NULL,
			dispatch_id = NULL,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, status, resultJSON, models.StatusDispatching, models.StatusRunning)
}

// SettleAttempt transitions running to a terminal status, but only while the
// reported dispatch id still matches the current attempt. A report from a
// reclaimed and re-dispatched attempt affects zero rows and surfaces as
// ErrConflict instead of overwriting the live attempt.
func (s *Store) SettleAttempt(ctx context.Context, id int64, dispatchID, status string, result *models.Result) error {
	if !models.IsTerminal(status) {
		return fmt.Errorf("settle attempt: %q is not a terminal status", status)
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	return s.guarded(ctx, `
		UPDATE jobs SET
			status = $2,
			result = $3,
			assigned_worker = NULL,
			dispatch_id = NULL,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = $4 AND dispatch_id = $5`,
		id, status, resultJSON, models.StatusRunning, dispatchID)
}

// MarkRetry transitions an in-flight job to retry_pending, eligible again
// after delay.
func (s *Store) MarkRetry(ctx context.Context, id int64, delay time.Duration) error {
	return s.guarded(ctx, `
		UPDATE jobs SET
			status = $2,
			assigned_worker = NULL,
			dispatch_id = NULL,
			next_attempt_at = now() + $3,
			updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, models.StatusRetryPending, delay, models.StatusDispatching, models.StatusRunning)
}

// Cancel transitions a non-terminal job to cancelled. For queued jobs this is
// immediate and final; for in-flight jobs the record is cancelled right away
// and the orchestrator stops expecting a result — halting the remote worker
// is advisory and handled by the caller. Terminal jobs report false.
func (s *Store) Cancel(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			assigned_worker = NULL,
			dispatch_id = NULL,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ($3, $4, $5, $6)`,
		id, models.StatusCancelled, models.StatusPending, models.StatusRetryPending,
		models.StatusDispatching, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStale returns in-flight jobs that have not been touched since olderThan:
// the worker crashed, the network partitioned, or the orchestrator died
// between the contract call and the store write.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobFields+` FROM jobs
		WHERE status IN ($1, $2) AND updated_at < $3
		LIMIT $4`,
		models.StatusDispatching, models.StatusRunning, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var stale []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		stale = append(stale, job)
	}
	return stale, rows.Err()
}

// CountsByStatus returns the number of jobs per lifecycle state.
func (s *Store) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// guarded runs a transition UPDATE whose WHERE clause names the legal
// predecessor states. Zero rows affected means the job was gone or in another
// state; the caller gets ErrConflict, never a silent overwrite.
func (s *Store) guarded(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func marshalResult(result *models.Result) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func sortClaimed(jobs []models.Job) {
	// Small batches; insertion sort keeps it dependency-free.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && claimBefore(jobs[j], jobs[j-1]); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func claimBefore(a, b models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var paramsJSON []byte
	var resultJSON []byte
	var externalID, worker, dispatchID pgtype.Text
	var startedAt, completedAt, nextAttemptAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &externalID, &job.Provider, &job.Action, &paramsJSON,
		&job.Priority, &job.Status, &worker, &dispatchID, &job.AttemptCount,
		&resultJSON, &job.CreatedAt, &startedAt, &completedAt, &nextAttemptAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &models.Result{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.ExternalJobID = textPtr(externalID)
	job.AssignedWorker = textPtr(worker)
	job.DispatchID = textPtr(dispatchID)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.NextAttemptAt = timePtr(nextAttemptAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
