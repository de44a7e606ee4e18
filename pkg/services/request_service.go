package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/pkg/models"
)

// RequestService manages the request queue: user prompts awaiting claim by
// an orchestrator agent.
type RequestService struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRequestService creates a request service.
func NewRequestService(db *sql.DB, logger *slog.Logger) *RequestService {
	return &RequestService{
		db:     db,
		logger: logger.With("service", "requests"),
	}
}

// EnqueueRequestParams are the inputs to RequestService.Enqueue.
type EnqueueRequestParams struct {
	SessionID         string
	Prompt            string
	EnhancedPrompt    string
	Priority          models.Priority
	QueueWaitBudgetMs int64
	IdempotencyKey    string
}

const requestColumns = `id, session_id, original_prompt, enhanced_prompt,
	priority, queue_wait_budget_ms, status, agent_id, result,
	error_message, error_detail, enqueued_at, claimed_at, completed_at,
	failed_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*models.Request, error) {
	var (
		req      models.Request
		enhanced sql.NullString
		agentID  sql.NullString
		result   []byte
		errMsg   sql.NullString
		errDet   []byte
	)
	err := row.Scan(
		&req.ID, &req.SessionID, &req.OriginalPrompt, &enhanced,
		&req.Priority, &req.QueueWaitBudgetMs, &req.Status, &agentID, &result,
		&errMsg, &errDet, &req.EnqueuedAt, &req.ClaimedAt, &req.CompletedAt,
		&req.FailedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.EnhancedPrompt = enhanced.String
	req.AgentID = agentID.String
	req.Result = result
	if errMsg.Valid {
		req.Error = &models.QueueError{Message: errMsg.String, Detail: errDet}
	}
	return &req, nil
}

// Enqueue inserts a pending request. When an idempotency key is supplied and
// a row with that key already exists in the session, the existing row is
// returned with created=false and nothing is inserted.
func (s *RequestService) Enqueue(ctx context.Context, p EnqueueRequestParams) (*models.Request, bool, error) {
	if p.SessionID == "" {
		return nil, false, NewValidationError("sessionId", "must not be empty")
	}
	if p.Prompt == "" {
		return nil, false, NewValidationError("prompt", "must not be empty")
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if !p.Priority.Valid() {
		return nil, false, NewValidationError("priority", fmt.Sprintf("unknown priority %q", p.Priority))
	}

	id := uuid.NewString()
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		INSERT INTO requests (id, session_id, original_prompt,
			enhanced_prompt, priority, queue_wait_budget_ms, idempotency_key)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))
		ON CONFLICT (session_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
		RETURNING `+requestColumns,
		id, p.SessionID, p.Prompt, p.EnhancedPrompt, p.Priority,
		p.QueueWaitBudgetMs, p.IdempotencyKey,
	))
	if err == nil {
		s.logger.InfoContext(ctx, "request enqueued",
			"request_id", req.ID, "session_id", req.SessionID, "priority", req.Priority)
		return req, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
		}
		return nil, false, fmt.Errorf("failed to enqueue request: %w", err)
	}

	existing, err := scanRequest(s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE session_id = $1 AND idempotency_key = $2`,
		p.SessionID, p.IdempotencyKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load request by idempotency key: %w", err)
	}
	return existing, false, nil
}

// Claim atomically hands the oldest highest-priority pending request to
// agentID. SKIP LOCKED guarantees two concurrent claimers never receive the
// same row. Returns nil when the queue is empty.
func (s *RequestService) Claim(ctx context.Context, agentID string) (*models.Request, error) {
	if agentID == "" {
		return nil, NewValidationError("agentId", "must not be empty")
	}
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		UPDATE requests SET
			status = 'claimed',
			agent_id = $1,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM requests
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
		RETURNING `+requestColumns,
		agentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim request: %w", err)
	}
	s.logger.InfoContext(ctx, "request claimed",
		"request_id", req.ID, "agent_id", agentID,
		"queue_wait_ms", queueWaitMs(req.EnqueuedAt, req.ClaimedAt))
	return req, nil
}

// Complete transitions a claimed request to completed. Repeating a
// completion is a no-op; completing a failed or foreign-claimed row is a
// conflict.
func (s *RequestService) Complete(ctx context.Context, id, agentID, enhancedPrompt string, result json.RawMessage) (*models.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		UPDATE requests SET
			status = 'completed',
			enhanced_prompt = NULLIF($3, ''),
			result = $4,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'claimed' AND agent_id = $2
		RETURNING `+requestColumns,
		id, agentID, enhancedPrompt, nullableJSON(result),
	))
	if err == nil {
		s.logger.InfoContext(ctx, "request completed", "request_id", id, "agent_id", agentID)
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to complete request: %w", err)
	}
	return s.classifyTransitionMiss(ctx, id, agentID, models.StatusCompleted)
}

// Fail transitions a request to failed with a structured error. Watchdogs
// pass agentID="" to fail regardless of claimer.
func (s *RequestService) Fail(ctx context.Context, id, agentID, message string, detail json.RawMessage) (*models.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		UPDATE requests SET
			status = 'failed',
			error_message = $3,
			error_detail = $4,
			failed_at = now(),
			updated_at = now()
		WHERE id = $1
			AND status IN ('pending', 'claimed')
			AND ($2 = '' OR agent_id = $2)
		RETURNING `+requestColumns,
		id, agentID, message, nullableJSON(detail),
	))
	if err == nil {
		s.logger.WarnContext(ctx, "request failed", "request_id", id, "reason", message)
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to fail request: %w", err)
	}
	return s.classifyTransitionMiss(ctx, id, agentID, models.StatusFailed)
}

// classifyTransitionMiss distinguishes a missing row, an idempotent repeat,
// and a genuine lost race after a zero-row conditional update.
func (s *RequestService) classifyTransitionMiss(ctx context.Context, id, agentID string, target models.QueueStatus) (*models.Request, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == target && (agentID == "" || current.AgentID == agentID) {
		return current, nil
	}
	return nil, fmt.Errorf("request %s is %s: %w", id, current.Status, ErrConflict)
}

// Get returns a request by id.
func (s *RequestService) Get(ctx context.Context, id string) (*models.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// ListBySession returns a session's requests, newest first.
func (s *RequestService) ListBySession(ctx context.Context, sessionID string) ([]*models.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE session_id = $1
		ORDER BY enqueued_at DESC, id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// List returns the most recent requests across all sessions.
func (s *RequestService) List(ctx context.Context, limit int) ([]*models.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		ORDER BY enqueued_at DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// Position reports where a pending request sits in the claim order, with an
// ETA extrapolated from the average observed queue wait. Terminal or claimed
// rows get position 0.
func (s *RequestService) Position(ctx context.Context, id string) (*models.PendingPosition, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusPending {
		return &models.PendingPosition{}, nil
	}

	var ahead int
	err = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM requests
		WHERE status = 'pending' AND (
			CASE priority WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			enqueued_at, id
		) < (
			CASE $2::text WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			$3::timestamptz, $1::text
		)`,
		id, string(req.Priority), req.EnqueuedAt,
	).Scan(&ahead)
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue position: %w", err)
	}

	var avgServiceMs sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT avg(EXTRACT(EPOCH FROM (claimed_at - enqueued_at)) * 1000)
		FROM requests
		WHERE claimed_at IS NOT NULL AND claimed_at > now() - interval '1 hour'`,
	).Scan(&avgServiceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to compute average service time: %w", err)
	}

	return &models.PendingPosition{
		Position:     ahead + 1,
		PendingAhead: ahead,
		EtaMs:        int64(float64(ahead) * avgServiceMs.Float64),
	}, nil
}

func queueWaitMs(enqueued time.Time, claimed *time.Time) int64 {
	if claimed == nil {
		return 0
	}
	return claimed.Sub(enqueued).Milliseconds()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
