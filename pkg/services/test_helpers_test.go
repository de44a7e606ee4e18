package services

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	testdb "github.com/pushpals/pushpals/test/util"
)

// testEnv bundles every service over one isolated test schema.
type testEnv struct {
	db          *sql.DB
	sessions    *SessionService
	events      *EventService
	requests    *RequestService
	jobs        *JobService
	completions *CompletionService
	workers     *WorkerService
	system      *SystemService
}

const testWorkerTTL = 30 * time.Second

func newTestEnv(t *testing.T) *testEnv {
	db, _ := testdb.SetupTestDatabase(t)
	logger := slog.New(slog.DiscardHandler)

	workers := NewWorkerService(db, logger, testWorkerTTL)
	return &testEnv{
		db:          db,
		sessions:    NewSessionService(db, logger),
		events:      NewEventService(db, logger),
		requests:    NewRequestService(db, logger),
		jobs:        NewJobService(db, logger),
		completions: NewCompletionService(db, logger),
		workers:     workers,
		system:      NewSystemService(db, workers, logger, time.Hour),
	}
}

// createSession inserts a session row and returns its id.
func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	_, created, err := e.sessions.Create(context.Background(), id)
	require.NoError(t, err)
	require.True(t, created)
	return id
}

// backdate shifts a row's timestamp column into the past so budget queries
// see it as overdue.
func (e *testEnv) backdate(t *testing.T, table, column, id string, by time.Duration) {
	t.Helper()
	_, err := e.db.ExecContext(context.Background(),
		"UPDATE "+table+" SET "+column+" = "+column+" - make_interval(secs => $1) WHERE id = $2",
		by.Seconds(), id)
	require.NoError(t, err)
}
