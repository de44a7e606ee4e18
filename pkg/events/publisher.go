package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pushpals/pushpals/pkg/models"
	"github.com/pushpals/pushpals/pkg/services"
)

// notifyLimit is the largest frame sent through pg_notify. Postgres rejects
// payloads over 8000 bytes; the margin covers frame framing overhead.
const notifyLimit = 7900

// Publisher appends envelopes to the per-session event log.
//
// The append is one transaction: the session row is locked while its cursor
// counter advances, the event row is inserted at that cursor, and pg_notify
// is queued. Postgres holds the NOTIFY until COMMIT, so subscribers never
// observe a cursor that did not durably commit, and cursors within a session
// are gap-free by construction.
type Publisher struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPublisher creates a Publisher on the shared connection pool.
func NewPublisher(db *sql.DB, logger *slog.Logger) *Publisher {
	return &Publisher{db: db, logger: logger.With("component", "publisher")}
}

// Append persists env and returns it with its assigned cursor. The server
// is authoritative for the timestamp: env.TS is overwritten at append time.
// A duplicate envelope id yields ErrDuplicateEvent; an unknown session
// yields sql.ErrNoRows wrapped with the session id.
func (p *Publisher) Append(ctx context.Context, env models.Envelope) (*models.Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Advance the session cursor under the row lock. Concurrent appends to
	// the same session serialize here.
	var cursor int64
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions SET
			last_cursor = last_cursor + 1,
			last_activity_at = now()
		WHERE id = $1
		RETURNING last_cursor`,
		env.SessionID,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", env.SessionID, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}

	env.TS = time.Now().UTC()
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, cursor, id, protocol, ts, type,
			from_agent, to_agent, correlation_id, turn_id, parent_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''),
			NULLIF($10, ''), NULLIF($11, ''), $12)`,
		env.SessionID, cursor, env.ID, env.ProtocolVersion, env.TS, env.Type,
		env.From, env.To, env.CorrelationID, env.TurnID, env.ParentID,
		[]byte(env.Payload),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("envelope %s: %w", env.ID, ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	frame, err := buildFrame(env, cursor)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		SessionChannel(env.SessionID), frame); err != nil {
		return nil, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	p.logger.DebugContext(ctx, "event appended",
		"session_id", env.SessionID, "cursor", cursor, "type", env.Type)
	return &models.Event{Cursor: cursor, Envelope: env}, nil
}

// buildFrame encodes the NOTIFY payload, falling back to a slim truncated
// frame when the full envelope would exceed the NOTIFY limit.
func buildFrame(env models.Envelope, cursor int64) (string, error) {
	full, err := json.Marshal(notifyFrame{
		SessionID: env.SessionID,
		Cursor:    cursor,
		Envelope:  &env,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode notify frame: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	slim, err := json.Marshal(notifyFrame{
		SessionID: env.SessionID,
		Cursor:    cursor,
		Truncated: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode truncated frame: %w", err)
	}
	return string(slim), nil
}
