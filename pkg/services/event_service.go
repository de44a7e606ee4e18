package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pushpals/pushpals/pkg/models"
)

// EventService reads the per-session append-only event log. Appends go
// through the events publisher so cursor assignment and NOTIFY stay in one
// transaction.
type EventService struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventService creates an event service.
func NewEventService(db *sql.DB, logger *slog.Logger) *EventService {
	return &EventService{
		db:     db,
		logger: logger.With("service", "events"),
	}
}

const eventColumns = `session_id, cursor, id, protocol, ts, type, from_agent,
	to_agent, correlation_id, turn_id, parent_id, payload`

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var (
		ev       models.Event
		protocol int
		toAgent  sql.NullString
		corrID   sql.NullString
		turnID   sql.NullString
		parentID sql.NullString
	)
	err := row.Scan(
		&ev.Envelope.SessionID, &ev.Cursor, &ev.Envelope.ID, &protocol,
		&ev.Envelope.TS, &ev.Envelope.Type, &ev.Envelope.From,
		&toAgent, &corrID, &turnID, &parentID, &ev.Envelope.Payload,
	)
	if err != nil {
		return nil, err
	}
	ev.Envelope.ProtocolVersion = protocol
	ev.Envelope.To = toAgent.String
	ev.Envelope.CorrelationID = corrID.String
	ev.Envelope.TurnID = turnID.String
	ev.Envelope.ParentID = parentID.String
	return &ev, nil
}

// ListAfter returns up to limit events with cursor > after, in cursor order.
// This is the catchup read for resuming subscribers and the backing query
// for GET /sessions/:id/events.
func (s *EventService) ListAfter(ctx context.Context, sessionID string, after int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE session_id = $1 AND cursor > $2
		ORDER BY cursor
		LIMIT $3`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Get returns the event at one cursor position.
func (s *EventService) Get(ctx context.Context, sessionID string, cursor int64) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE session_id = $1 AND cursor = $2`,
		sessionID, cursor,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s/%d: %w", sessionID, cursor, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// GetByEnvelopeID returns the event carrying the given envelope id.
func (s *EventService) GetByEnvelopeID(ctx context.Context, envelopeID string) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id = $1`,
		envelopeID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("envelope %s: %w", envelopeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event by envelope id: %w", err)
	}
	return ev, nil
}

// LastCursor returns the session's current high-water cursor.
func (s *EventService) LastCursor(ctx context.Context, sessionID string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_cursor FROM sessions WHERE id = $1`, sessionID,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last cursor: %w", err)
	}
	return cursor, nil
}
