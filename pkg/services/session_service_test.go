package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionService_Create(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("creates a new session", func(t *testing.T) {
		id := uuid.NewString()
		session, created, err := env.sessions.Create(ctx, id)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, id, session.ID)
		assert.False(t, session.CreatedAt.IsZero())
	})

	t.Run("is idempotent", func(t *testing.T) {
		id := uuid.NewString()
		first, created, err := env.sessions.Create(ctx, id)
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := env.sessions.Create(ctx, id)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		_, _, err := env.sessions.Create(ctx, "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestSessionService_Get(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.createSession(t)

	session, err := env.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, session.ID)

	_, err = env.sessions.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionService_ListOrdersByActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	older := env.createSession(t)
	newer := env.createSession(t)

	// Touch the older session so it becomes the most recently active.
	require.NoError(t, env.sessions.Touch(ctx, older))

	sessions, err := env.sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, older, sessions[0].ID)
	assert.Equal(t, newer, sessions[1].ID)
}
