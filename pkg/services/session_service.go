package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pushpals/pushpals/pkg/models"
)

// SessionService manages session lifecycle.
type SessionService struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionService creates a session service.
func NewSessionService(db *sql.DB, logger *slog.Logger) *SessionService {
	return &SessionService{
		db:     db,
		logger: logger.With("service", "sessions"),
	}
}

// Create ensures a session row exists. Creation is idempotent: creating an
// existing session returns the existing row with created=false and changes
// nothing.
func (s *SessionService) Create(ctx context.Context, id string) (*models.Session, bool, error) {
	if id == "" {
		return nil, false, NewValidationError("sessionId", "must not be empty")
	}

	var sess models.Session
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, created_at, last_activity_at`,
		id,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt)
	if err == nil {
		s.logger.InfoContext(ctx, "session created", "session_id", id)
		return &sess, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	// Conflict path: the row already existed.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity_at FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// List returns all sessions, most recently active first.
func (s *SessionService) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, last_activity_at
		FROM sessions
		ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Touch bumps last_activity_at. Missing sessions are ignored so activity
// tracking never fails a write path.
func (s *SessionService) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}
