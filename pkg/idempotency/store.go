// Package idempotency persists which events an orchestrator has already
// handled, so a restarted orchestrator that replays a stream suffix does not
// act on the same event twice. The store lives in its own SQLite file,
// separate from the server's database.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS handled_events (
	session_id TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	handled_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, event_id)
);

CREATE INDEX IF NOT EXISTS handled_events_handled_at_idx
	ON handled_events (handled_at);

CREATE TABLE IF NOT EXISTS session_cursors (
	session_id  TEXT PRIMARY KEY,
	last_cursor INTEGER NOT NULL
);
`

// DefaultMaxEntries bounds the handled-event table before oldest entries are
// evicted.
const DefaultMaxEntries = 100_000

// Store is a single-writer SQLite store. database/sql serializes access; the
// sqlite driver handles file locking.
type Store struct {
	db         *sql.DB
	maxEntries int
}

// Open creates or opens the store at path and applies the schema. maxEntries
// bounds the handled-event table; pass 0 for the default.
func Open(path string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency store: %w", err)
	}
	// SQLite handles one writer at a time; extra conns only produce
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply idempotency schema: %w", err)
	}

	return &Store{db: db, maxEntries: maxEntries}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarkHandled records that the event was processed. Returns true when this
// call was the first to record it, false on a repeat. Oldest entries are
// evicted once the table exceeds the configured bound.
func (s *Store) MarkHandled(ctx context.Context, sessionID, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO handled_events (session_id, event_id, handled_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id, event_id) DO NOTHING`,
		sessionID, eventID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to mark event handled: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted > 0 {
		if err := s.evict(ctx); err != nil {
			return true, err
		}
	}
	return inserted > 0, nil
}

// Handled reports whether the event was already recorded.
func (s *Store) Handled(ctx context.Context, sessionID, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM handled_events WHERE session_id = ? AND event_id = ?`,
		sessionID, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check handled event: %w", err)
	}
	return true, nil
}

// AdvanceCursor records the highest cursor processed for the session.
// Max-wins: a stale write never moves the cursor backwards. Returns the
// stored cursor after the update.
func (s *Store) AdvanceCursor(ctx context.Context, sessionID string, cursor int64) (int64, error) {
	var stored int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO session_cursors (session_id, last_cursor)
		VALUES (?, ?)
		ON CONFLICT (session_id) DO UPDATE
			SET last_cursor = MAX(last_cursor, excluded.last_cursor)
		RETURNING last_cursor`,
		sessionID, cursor).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return stored, nil
}

// LastCursor returns the highest processed cursor for the session, 0 when
// the session is unknown.
func (s *Store) LastCursor(ctx context.Context, sessionID string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_cursor FROM session_cursors WHERE session_id = ?`,
		sessionID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// evict trims the handled-event table back under the bound, oldest first.
func (s *Store) evict(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM handled_events
		WHERE (session_id, event_id) IN (
			SELECT session_id, event_id FROM handled_events
			ORDER BY handled_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)`, s.maxEntries)
	if err != nil {
		return fmt.Errorf("failed to evict handled events: %w", err)
	}
	return nil
}
