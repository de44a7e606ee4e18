package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/pkg/models"
	"github.com/pushpals/pushpals/pkg/services"
	testdb "github.com/pushpals/pushpals/test/util"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// pubEnv is the Postgres-backed fixture for publisher tests.
type pubEnv struct {
	connStr   string
	publisher *Publisher
	events    *services.EventService
	sessions  *services.SessionService
}

func newPubEnv(t *testing.T) *pubEnv {
	db, connStr := testdb.SetupTestDatabase(t)
	logger := discardLogger()
	return &pubEnv{
		connStr:   connStr,
		publisher: NewPublisher(db, logger),
		events:    services.NewEventService(db, logger),
		sessions:  services.NewSessionService(db, logger),
	}
}

func (e *pubEnv) createSession(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	_, _, err := e.sessions.Create(context.Background(), id)
	require.NoError(t, err)
	return id
}

func envelope(sessionID string, typ models.EventType, payload string) models.Envelope {
	env := models.Envelope{
		ProtocolVersion: models.ProtocolVersion,
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Type:            typ,
		From:            "user",
	}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	return env
}

func TestPublisher_Append(t *testing.T) {
	env := newPubEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	t.Run("assigns gap-free cursors from 1", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			ev, err := env.publisher.Append(ctx, envelope(sessionID, models.EventMessage, `{"text":"hi"}`))
			require.NoError(t, err)
			assert.Equal(t, want, ev.Cursor)
			assert.False(t, ev.Envelope.TS.IsZero(), "append stamps the timestamp")
		}

		last, err := env.events.LastCursor(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), last)
	})

	t.Run("persisted rows match the append order", func(t *testing.T) {
		stored, err := env.events.ListAfter(ctx, sessionID, 0, 100)
		require.NoError(t, err)
		require.Len(t, stored, 3)
		for i, ev := range stored {
			assert.Equal(t, int64(i+1), ev.Cursor)
			assert.Equal(t, models.EventMessage, ev.Envelope.Type)
			assert.Equal(t, models.ProtocolVersion, ev.Envelope.ProtocolVersion)
		}
	})

	t.Run("empty payload defaults to an object", func(t *testing.T) {
		ev, err := env.publisher.Append(ctx, envelope(sessionID, models.EventAgentStatus, ""))
		require.NoError(t, err)

		stored, err := env.events.Get(ctx, sessionID, ev.Cursor)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(stored.Envelope.Payload))
	})

	t.Run("duplicate envelope id is rejected", func(t *testing.T) {
		env1 := envelope(sessionID, models.EventMessage, `{}`)
		_, err := env.publisher.Append(ctx, env1)
		require.NoError(t, err)

		_, err = env.publisher.Append(ctx, env1)
		assert.ErrorIs(t, err, ErrDuplicateEvent)

		// The failed append must not burn a cursor for later appends.
		before, err := env.events.LastCursor(ctx, sessionID)
		require.NoError(t, err)
		ev, err := env.publisher.Append(ctx, envelope(sessionID, models.EventMessage, `{}`))
		require.NoError(t, err)
		assert.Equal(t, before+1, ev.Cursor)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		_, err := env.publisher.Append(ctx, envelope(uuid.NewString(), models.EventMessage, `{}`))
		assert.ErrorIs(t, err, services.ErrNotFound)
	})
}

func TestPublisher_ConcurrentAppendsStayGapFree(t *testing.T) {
	env := newPubEnv(t)
	ctx := context.Background()
	sessionID := env.createSession(t)

	const appends = 20
	errs := make(chan error, appends)
	for i := 0; i < appends; i++ {
		go func() {
			_, err := env.publisher.Append(ctx, envelope(sessionID, models.EventLog, `{}`))
			errs <- err
		}()
	}
	for i := 0; i < appends; i++ {
		require.NoError(t, <-errs)
	}

	stored, err := env.events.ListAfter(ctx, sessionID, 0, appends+1)
	require.NoError(t, err)
	require.Len(t, stored, appends)
	for i, ev := range stored {
		assert.Equal(t, int64(i+1), ev.Cursor)
	}
}
