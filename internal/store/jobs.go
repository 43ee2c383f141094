package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sempervigil/sempervigil/internal/model"
)

const jobColumns = `id, job_type, payload, status, priority, requested_at, run_after,
	started_at, finished_at, attempts, max_attempts, lease_owner, lease_expires_at,
	idempotency_key, cancel_requested, result, error`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j          model.Job
		leaseOwner *string
		idemKey    *string
		jobErr     *string
	)
	err := row.Scan(
		&j.ID,
		&j.JobType,
		&j.Payload,
		&j.Status,
		&j.Priority,
		&j.RequestedAt,
		&j.RunAfter,
		&j.StartedAt,
		&j.FinishedAt,
		&j.Attempts,
		&j.MaxAttempts,
		&leaseOwner,
		&j.LeaseExpiresAt,
		&idemKey,
		&j.CancelRequested,
		&j.Result,
		&jobErr,
	)
	if err != nil {
		return nil, err
	}
	if leaseOwner != nil {
		j.LeaseOwner = *leaseOwner
	}
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	if jobErr != nil {
		j.Error = *jobErr
	}
	return &j, nil
}

// Enqueue inserts a queued job. When req.IdempotencyKey is set and a
// queued or running job already holds that key, no new row is created
// and the existing job is returned.
func (s *Store) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error) {
	if req.JobType == "" {
		return nil, model.Errf(model.KindValidation, "job_type is required")
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, model.Errf(model.KindValidation, "marshal payload: %v", err)
	}
	if req.Payload == nil {
		payload = []byte(`{}`)
	}
	runAfter := req.RunAfter
	if runAfter.IsZero() {
		runAfter = time.Now().UTC()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	var idemKey *string
	if req.IdempotencyKey != "" {
		idemKey = &req.IdempotencyKey
	}

	query := `
		INSERT INTO jobs (id, job_type, payload, priority, run_after, max_attempts, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL AND status IN ('queued', 'running')
		DO NOTHING
		RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		uuid.NewString(), req.JobType, payload, req.Priority, runAfter, maxAttempts, idemKey))
	if err == nil {
		return job, nil
	}
	if err != pgx.ErrNoRows {
		return nil, classify("enqueue job", err)
	}

	// Conflict: return the active job already holding the key.
	existing, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = $1 AND status IN ('queued', 'running')
		LIMIT 1`, req.IdempotencyKey))
	if err != nil {
		return nil, classify("load deduplicated job", err)
	}
	return existing, nil
}

// Claim atomically hands one due job to the calling worker. Eligible
// rows are queued, or running with an expired lease; selection is
// priority-then-FIFO. Returns (nil, nil) when nothing is claimable.
func (s *Store) Claim(ctx context.Context, workerID string, jobTypes []string, leaseTTL time.Duration) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}
	query := `
		UPDATE jobs SET
			status = 'running',
			lease_owner = $1,
			lease_expires_at = now() + $2,
			started_at = COALESCE(started_at, now()),
			attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE job_type = ANY($3)
			  AND run_after <= now()
			  AND (status = 'queued' OR (status = 'running' AND lease_expires_at < now()))
			ORDER BY priority DESC, requested_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query, workerID, leaseTTL, jobTypes))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("claim job", err)
	}
	return job, nil
}

// RenewLease extends the lease held by owner and reports whether a
// cancel has been requested for the job. Zero rows means the lease was
// lost (expired and reclaimed, or the job reached a terminal state).
func (s *Store) RenewLease(ctx context.Context, jobID, owner string, leaseTTL time.Duration) (cancelRequested bool, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE jobs SET lease_expires_at = now() + $1
		WHERE id = $2 AND lease_owner = $3 AND status = 'running'
		RETURNING cancel_requested`, leaseTTL, jobID, owner).Scan(&cancelRequested)
	if err == pgx.ErrNoRows {
		return false, model.Errf(model.KindCanceled, "lease lost for job %s", jobID)
	}
	if err != nil {
		return false, classify("renew lease", err)
	}
	return cancelRequested, nil
}

// CompleteJob marks a running job succeeded and records its result.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return model.Errf(model.KindInternal, "marshal result: %v", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'succeeded', finished_at = now(), result = $1, error = NULL
		WHERE id = $2 AND status = 'running'`, data, jobID)
	if err != nil {
		return classify("complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errf(model.KindNotFound, "job %s is not running", jobID)
	}
	return nil
}

// FailJob marks a job terminally failed.
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', finished_at = now(), error = $1
		WHERE id = $2`, errMsg, jobID)
	if err != nil {
		return classify("fail job", err)
	}
	return nil
}

// RequeueJob returns a running job to the queue for a later attempt,
// clearing its lease and recording the last error.
func (s *Store) RequeueJob(ctx context.Context, jobID, errMsg string, runAfter time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'queued',
			lease_owner = NULL,
			lease_expires_at = NULL,
			run_after = $1,
			error = $2
		WHERE id = $3 AND status = 'running'`, runAfter, errMsg, jobID)
	if err != nil {
		return classify("requeue job", err)
	}
	return nil
}

// MarkCanceled records cooperative cancellation of a job.
func (s *Store) MarkCanceled(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'canceled', finished_at = now(), error = $1
		WHERE id = $2 AND status IN ('queued', 'running')`, reason, jobID)
	if err != nil {
		return classify("mark canceled", err)
	}
	return nil
}

// RequestCancel cancels a queued job outright; for a running job it
// sets cancel_requested, which the holder observes on lease renewal.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error) {
	var status model.JobStatus
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = CASE WHEN status = 'queued' THEN 'canceled' ELSE status END,
			finished_at = CASE WHEN status = 'queued' THEN now() ELSE finished_at END,
			cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING status`, jobID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", model.Errf(model.KindNotFound, "job %s is not active", jobID)
	}
	if err != nil {
		return "", classify("request cancel", err)
	}
	return status, nil
}

// CancelAll cancels every queued job and flags every running job for
// cooperative cancellation. Returns (canceled, signaled) counts.
func (s *Store) CancelAll(ctx context.Context) (int64, int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'canceled', finished_at = now(), error = 'cancel-all'
		WHERE status = 'queued'`)
	if err != nil {
		return 0, 0, classify("cancel queued jobs", err)
	}
	canceled := tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE status = 'running'`)
	if err != nil {
		return canceled, 0, classify("signal running jobs", err)
	}
	return canceled, tag.RowsAffected(), nil
}

// GetJob retrieves a single job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err == pgx.ErrNoRows {
		return nil, model.Errf(model.KindNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, classify("get job", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status  string
	JobType string
	Limit   uint64
	Offset  uint64
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	builder := sq.Select(jobColumns).
		From("jobs").
		OrderBy("requested_at DESC").
		PlaceholderFormat(sq.Dollar)
	if f.Status != "" {
		builder = builder.Where(sq.Eq{"status": f.Status})
	}
	if f.JobType != "" {
		builder = builder.Where(sq.Eq{"job_type": f.JobType})
	}
	limit := f.Limit
	if limit == 0 || limit > 500 {
		limit = 100
	}
	builder = builder.Limit(limit).Offset(f.Offset)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job row", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// HasActiveJob reports whether a queued or running job of the given
// type exists, used to coalesce site builds.
func (s *Store) HasActiveJob(ctx context.Context, jobType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs WHERE job_type = $1 AND status IN ('queued', 'running')
		)`, jobType).Scan(&exists)
	if err != nil {
		return false, classify("check active job", err)
	}
	return exists, nil
}
