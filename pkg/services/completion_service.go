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

// CompletionService manages the completion queue: finished-job artifacts
// awaiting integration by the source-control agent.
type CompletionService struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCompletionService creates a completion service.
func NewCompletionService(db *sql.DB, logger *slog.Logger) *CompletionService {
	return &CompletionService{
		db:     db,
		logger: logger.With("service", "completions"),
	}
}

// EnqueueCompletionParams are the inputs to CompletionService.Enqueue.
type EnqueueCompletionParams struct {
	SessionID      string
	JobID          string
	CommitSHA      string
	Branch         string
	Message        string
	Priority       models.Priority
	IdempotencyKey string
}

const completionColumns = `id, session_id, job_id, commit_sha, branch,
	message, priority, status, agent_id, pusher_id, error_message,
	error_detail, enqueued_at, claimed_at, processed_at, failed_at,
	updated_at`

func scanCompletion(row interface{ Scan(...any) error }) (*models.Completion, error) {
	var (
		comp     models.Completion
		agentID  sql.NullString
		pusherID sql.NullString
		errMsg   sql.NullString
		errDet   []byte
	)
	err := row.Scan(
		&comp.ID, &comp.SessionID, &comp.JobID, &comp.CommitSHA, &comp.Branch,
		&comp.Message, &comp.Priority, &comp.Status, &agentID, &pusherID,
		&errMsg, &errDet, &comp.EnqueuedAt, &comp.ClaimedAt,
		&comp.ProcessedAt, &comp.FailedAt, &comp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	comp.AgentID = agentID.String
	comp.PusherID = pusherID.String
	if errMsg.Valid {
		comp.Error = &models.QueueError{Message: errMsg.String, Detail: errDet}
	}
	return &comp, nil
}

// Enqueue inserts a pending completion referencing an existing job.
func (s *CompletionService) Enqueue(ctx context.Context, p EnqueueCompletionParams) (*models.Completion, bool, error) {
	if p.SessionID == "" {
		return nil, false, NewValidationError("sessionId", "must not be empty")
	}
	if p.JobID == "" {
		return nil, false, NewValidationError("jobId", "must not be empty")
	}
	if p.CommitSHA == "" {
		return nil, false, NewValidationError("commitSha", "must not be empty")
	}
	if p.Branch == "" {
		return nil, false, NewValidationError("branch", "must not be empty")
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if !p.Priority.Valid() {
		return nil, false, NewValidationError("priority", fmt.Sprintf("unknown priority %q", p.Priority))
	}

	id := uuid.NewString()
	comp, err := scanCompletion(s.db.QueryRowContext(ctx, `
		INSERT INTO completions (id, session_id, job_id, commit_sha, branch,
			message, priority, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (session_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
		RETURNING `+completionColumns,
		id, p.SessionID, p.JobID, p.CommitSHA, p.Branch, p.Message,
		p.Priority, p.IdempotencyKey,
	))
	if err == nil {
		s.logger.InfoContext(ctx, "completion enqueued",
			"completion_id", comp.ID, "job_id", comp.JobID, "session_id", comp.SessionID)
		return comp, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("session or job: %w", ErrNotFound)
		}
		return nil, false, fmt.Errorf("failed to enqueue completion: %w", err)
	}

	existing, err := scanCompletion(s.db.QueryRowContext(ctx, `
		SELECT `+completionColumns+`
		FROM completions
		WHERE session_id = $1 AND idempotency_key = $2`,
		p.SessionID, p.IdempotencyKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load completion by idempotency key: %w", err)
	}
	return existing, false, nil
}

// Claim hands the oldest highest-priority pending completion to agentID.
// Returns nil when the queue is empty.
func (s *CompletionService) Claim(ctx context.Context, agentID string) (*models.Completion, error) {
	if agentID == "" {
		return nil, NewValidationError("agentId", "must not be empty")
	}
	comp, err := scanCompletion(s.db.QueryRowContext(ctx, `
		UPDATE completions SET
			status = 'claimed',
			agent_id = $1,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM completions
			WHERE status = 'pending'
			ORDER BY
				CASE priority
					WHEN 'interactive' THEN 0
					WHEN 'normal' THEN 1
					ELSE 2
				END,
				enqueued_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+completionColumns,
		agentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim completion: %w", err)
	}
	s.logger.InfoContext(ctx, "completion claimed",
		"completion_id", comp.ID, "agent_id", agentID)
	return comp, nil
}

// Process transitions a claimed completion to processed, recording who
// integrated it. The terminal state for this queue is processed, not
// completed.
func (s *CompletionService) Process(ctx context.Context, id, agentID, pusherID string) (*models.Completion, error) {
	comp, err := scanCompletion(s.db.QueryRowContext(ctx, `
		UPDATE completions SET
			status = 'processed',
			pusher_id = NULLIF($3, ''),
			processed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'claimed' AND agent_id = $2
		RETURNING `+completionColumns,
		id, agentID, pusherID,
	))
	if err == nil {
		s.logger.InfoContext(ctx, "completion processed", "completion_id", id, "agent_id", agentID)
		return comp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to process completion: %w", err)
	}
	return s.classifyCompletionMiss(ctx, id, agentID, models.StatusProcessed)
}

// Fail transitions a completion to failed. Watchdogs pass agentID="".
func (s *CompletionService) Fail(ctx context.Context, id, agentID, message string, detail json.RawMessage) (*models.Completion, error) {
	comp, err := scanCompletion(s.db.QueryRowContext(ctx, `
		UPDATE completions SET
			status = 'failed',
			error_message = $3,
			error_detail = $4,
			failed_at = now(),
			updated_at = now()
		WHERE id = $1
			AND status IN ('pending', 'claimed')
			AND ($2 = '' OR agent_id = $2)
		RETURNING `+completionColumns,
		id, agentID, message, nullableJSON(detail),
	))
	if err == nil {
		s.logger.WarnContext(ctx, "completion failed", "completion_id", id, "reason", message)
		return comp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to fail completion: %w", err)
	}
	return s.classifyCompletionMiss(ctx, id, agentID, models.StatusFailed)
}

func (s *CompletionService) classifyCompletionMiss(ctx context.Context, id, agentID string, target models.QueueStatus) (*models.Completion, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == target && (agentID == "" || current.AgentID == agentID) {
		return current, nil
	}
	return nil, fmt.Errorf("completion %s is %s: %w", id, current.Status, ErrConflict)
}

// Get returns a completion by id.
func (s *CompletionService) Get(ctx context.Context, id string) (*models.Completion, error) {
	comp, err := scanCompletion(s.db.QueryRowContext(ctx, `
		SELECT `+completionColumns+` FROM completions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("completion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get completion: %w", err)
	}
	return comp, nil
}

// List returns the most recent completions across all sessions.
func (s *CompletionService) List(ctx context.Context, limit int) ([]*models.Completion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+completionColumns+`
		FROM completions
		ORDER BY enqueued_at DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list completions: %w", err)
	}
	defer rows.Close()

	var comps []*models.Completion
	for rows.Next() {
		comp, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		comps = append(comps, comp)
	}
	return comps, rows.Err()
}

// ListBySession returns a session's completions, newest first.
func (s *CompletionService) ListBySession(ctx context.Context, sessionID string) ([]*models.Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+completionColumns+`
		FROM completions
		WHERE session_id = $1
		ORDER BY enqueued_at DESC, id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list completions: %w", err)
	}
	defer rows.Close()

	var comps []*models.Completion
	for rows.Next() {
		comp, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		comps = append(comps, comp)
	}
	return comps, rows.Err()
}
