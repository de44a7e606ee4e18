package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/pkg/models"
)

// JobService manages the job queue and the per-job log streams.
type JobService struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobService creates a job service.
func NewJobService(db *sql.DB, logger *slog.Logger) *JobService {
	return &JobService{
		db:     db,
		logger: logger.With("service", "jobs"),
	}
}

// EnqueueJobParams are the inputs to JobService.Enqueue.
type EnqueueJobParams struct {
	SessionID            string
	TaskID               string
	Kind                 string
	Params               json.RawMessage
	Priority             models.Priority
	TargetWorkerID       string
	QueueWaitBudgetMs    int64
	ExecutionBudgetMs    int64
	FinalizationBudgetMs int64
	IdempotencyKey       string
}

const jobColumns = `id, session_id, task_id, kind, params, priority, status,
	worker_id, target_worker_id, queue_wait_budget_ms, execution_budget_ms,
	finalization_budget_ms, requeue_count, result, error_message,
	error_detail, enqueued_at, claimed_at, started_at, first_log_at,
	completed_at, failed_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var (
		job      models.Job
		taskID   sql.NullString
		workerID sql.NullString
		targetID sql.NullString
		result   []byte
		errMsg   sql.NullString
		errDet   []byte
	)
	err := row.Scan(
		&job.ID, &job.SessionID, &taskID, &job.Kind, &job.Params,
		&job.Priority, &job.Status, &workerID, &targetID,
		&job.QueueWaitBudgetMs, &job.ExecutionBudgetMs, &job.FinalizationBudgetMs,
		&job.RequeueCount, &result, &errMsg, &errDet,
		&job.EnqueuedAt, &job.ClaimedAt, &job.StartedAt, &job.FirstLogAt,
		&job.CompletedAt, &job.FailedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.TaskID = taskID.String
	job.WorkerID = workerID.String
	job.TargetWorkerID = targetID.String
	job.Result = result
	if errMsg.Valid {
		job.Error = &models.QueueError{Message: errMsg.String, Detail: errDet}
	}
	return &job, nil
}

// Enqueue inserts a pending job. Idempotency keys behave as in the request
// queue: a repeated key within the session returns the existing row.
func (s *JobService) Enqueue(ctx context.Context, p EnqueueJobParams) (*models.Job, bool, error) {
	if p.SessionID == "" {
		return nil, false, NewValidationError("sessionId", "must not be empty")
	}
	if p.Kind == "" {
		return nil, false, NewValidationError("kind", "must not be empty")
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if !p.Priority.Valid() {
		return nil, false, NewValidationError("priority", fmt.Sprintf("unknown priority %q", p.Priority))
	}
	if len(p.Params) == 0 {
		p.Params = json.RawMessage(`{}`)
	}

	id := uuid.NewString()
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, session_id, task_id, kind, params, priority,
			target_worker_id, queue_wait_budget_ms, execution_budget_ms,
			finalization_budget_ms, idempotency_key)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9,
			$10, NULLIF($11, ''))
		ON CONFLICT (session_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
		RETURNING `+jobColumns,
		id, p.SessionID, p.TaskID, p.Kind, []byte(p.Params), p.Priority,
		p.TargetWorkerID, p.QueueWaitBudgetMs, p.ExecutionBudgetMs,
		p.FinalizationBudgetMs, p.IdempotencyKey,
	))
	if err == nil {
		s.logger.InfoContext(ctx, "job enqueued",
			"job_id", job.ID, "session_id", job.SessionID,
			"kind", job.Kind, "priority", job.Priority)
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
		}
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	existing, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE session_id = $1 AND idempotency_key = $2`,
		p.SessionID, p.IdempotencyKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load job by idempotency key: %w", err)
	}
	return existing, false, nil
}

// Claim hands workerID the best pending job. Jobs targeted at this worker
// win over untargeted jobs of the same priority; jobs targeted at another
// worker are never visible. Returns nil when nothing is claimable.
func (s *JobService) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	if workerID == "" {
		return nil, NewValidationError("workerId", "must not be empty")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'claimed',
			worker_id = $1,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
				AND (target_worker_id IS NULL OR target_worker_id = $1)
			ORDER BY
				CASE priority
					WHEN 'interactive' THEN 0
					WHEN 'normal' THEN 1
					ELSE 2
				END,
				(target_worker_id = $1) DESC NULLS LAST,
				enqueued_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	s.logger.InfoContext(ctx, "job claimed",
		"job_id", job.ID, "worker_id", workerID,
		"queue_wait_ms", queueWaitMs(job.EnqueuedAt, job.ClaimedAt))
	return job, nil
}

// Start records that the claiming worker began execution. Repeats are no-ops.
func (s *JobService) Start(ctx context.Context, id, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
		RETURNING `+jobColumns,
		id, workerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionMissErr(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	return job, nil
}

// Complete transitions a claimed job to completed with its result artifact.
func (s *JobService) Complete(ctx context.Context, id, workerID string, result json.RawMessage) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'completed',
			result = $3,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
		RETURNING `+jobColumns,
		id, workerID, nullableJSON(result),
	))
	if err == nil {
		s.logger.InfoContext(ctx, "job completed", "job_id", id, "worker_id", workerID)
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	return s.classifyJobMiss(ctx, id, workerID, models.StatusCompleted)
}

// Fail transitions a job to failed. Watchdogs pass workerID="" to fail a
// pending or claimed job regardless of claimer.
func (s *JobService) Fail(ctx context.Context, id, workerID, message string, detail json.RawMessage) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'failed',
			error_message = $3,
			error_detail = $4,
			failed_at = now(),
			updated_at = now()
		WHERE id = $1
			AND status IN ('pending', 'claimed')
			AND ($2 = '' OR worker_id = $2)
		RETURNING `+jobColumns,
		id, workerID, message, nullableJSON(detail),
	))
	if err == nil {
		s.logger.WarnContext(ctx, "job failed", "job_id", id, "reason", message)
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to fail job: %w", err)
	}
	return s.classifyJobMiss(ctx, id, workerID, models.StatusFailed)
}

// Requeue returns a claimed job to the pending pool after its worker was
// lost. The target hint is cleared so any worker can pick the job up; a
// target pinned to the dead worker would leave the job unclaimable. The
// requeue counter bounds automatic retries; once maxRequeues is exhausted
// the job fails instead. requeued reports which branch ran.
func (s *JobService) Requeue(ctx context.Context, id string, maxRequeues int) (job *models.Job, requeued bool, err error) {
	job, err = scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'pending',
			worker_id = NULL,
			target_worker_id = NULL,
			claimed_at = NULL,
			started_at = NULL,
			requeue_count = requeue_count + 1,
			updated_at = now()
		WHERE id = $1 AND status = 'claimed' AND requeue_count < $2
		RETURNING `+jobColumns,
		id, maxRequeues,
	))
	if err == nil {
		s.logger.WarnContext(ctx, "job requeued after worker loss",
			"job_id", id, "requeue_count", job.RequeueCount)
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to requeue job: %w", err)
	}

	job, err = s.Fail(ctx, id, "", "worker-lost", nil)
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// Release returns a claimed job to pending before work started, clearing
// the claim. The target worker hint survives only when keepTarget is set.
// Unlike Requeue this is a caller-initiated revocation and does not count
// against the automatic requeue budget.
func (s *JobService) Release(ctx context.Context, id string, keepTarget bool) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'pending',
			worker_id = NULL,
			claimed_at = NULL,
			started_at = NULL,
			target_worker_id = CASE WHEN $2 THEN target_worker_id ELSE NULL END,
			updated_at = now()
		WHERE id = $1 AND status = 'claimed'
		RETURNING `+jobColumns,
		id, keepTarget,
	))
	if err == nil {
		s.logger.InfoContext(ctx, "job released", "job_id", id, "keep_target", keepTarget)
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to release job: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StatusPending {
		return current, nil
	}
	return nil, fmt.Errorf("job %s is %s: %w", id, current.Status, ErrConflict)
}

func (s *JobService) classifyJobMiss(ctx context.Context, id, workerID string, target models.QueueStatus) (*models.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == target && (workerID == "" || current.WorkerID == workerID) {
		return current, nil
	}
	return nil, fmt.Errorf("job %s is %s: %w", id, current.Status, ErrConflict)
}

func (s *JobService) transitionMissErr(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, current.Status, ErrConflict)
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListBySession returns a session's jobs, newest first.
func (s *JobService) ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE session_id = $1
		ORDER BY enqueued_at DESC, id DESC`,
		sessionID)
}

// ListRecent returns the most recent jobs across all sessions.
func (s *JobService) ListRecent(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY enqueued_at DESC, id DESC
		LIMIT $1`,
		limit)
}

// ListClaimed returns every claimed job. The watchdogs scan this set.
func (s *JobService) ListClaimed(ctx context.Context) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'claimed'
		ORDER BY claimed_at, id`)
}

func (s *JobService) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendLogs stores a batch of producer-sequenced log lines for one job.
// Replays of already-stored (stream, seq) pairs are ignored so worker
// retries stay idempotent. The first accepted line stamps first_log_at.
func (s *JobService) AppendLogs(ctx context.Context, jobID string, lines []models.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	for _, l := range lines {
		if !l.Stream.Valid() {
			return NewValidationError("stream", fmt.Sprintf("unknown stream %q", l.Stream))
		}
		if l.Seq < 1 {
			return NewValidationError("seq", "must be >= 1")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, stream, seq, line)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (job_id, stream, seq) DO NOTHING`,
			jobID, l.Stream, l.Seq, l.Line,
		); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return fmt.Errorf("failed to insert log line: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET first_log_at = COALESCE(first_log_at, now()), updated_at = now()
		WHERE id = $1`,
		jobID,
	); err != nil {
		return fmt.Errorf("failed to stamp first log: %w", err)
	}

	return tx.Commit()
}

// TailLogs returns up to limit lines with seq > afterSeq, ordered by seq
// within each stream. An empty stream selects both streams.
func (s *JobService) TailLogs(ctx context.Context, jobID string, stream models.LogStream, afterSeq int64, limit int) ([]models.LogLine, error) {
	if stream != "" && !stream.Valid() {
		return nil, NewValidationError("stream", fmt.Sprintf("unknown stream %q", stream))
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, stream, seq, line
		FROM job_logs
		WHERE job_id = $1 AND ($2 = '' OR stream = $2) AND seq > $3
		ORDER BY stream, seq
		LIMIT $4`,
		jobID, stream, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tail logs: %w", err)
	}
	defer rows.Close()

	var lines []models.LogLine
	for rows.Next() {
		var l models.LogLine
		if err := rows.Scan(&l.JobID, &l.Stream, &l.Seq, &l.Line); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
