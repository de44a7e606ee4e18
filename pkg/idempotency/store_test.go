package idempotency

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "handled.db"), maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestStore_MarkHandled(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()

	first, err := store.MarkHandled(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.True(t, first)

	repeat, err := store.MarkHandled(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.False(t, repeat)

	// The same event id under another session is distinct.
	other, err := store.MarkHandled(ctx, "s2", "e1")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestStore_Handled(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()

	handled, err := store.Handled(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.False(t, handled)

	_, err = store.MarkHandled(ctx, "s1", "e1")
	require.NoError(t, err)

	handled, err = store.Handled(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestStore_CursorMaxWins(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()

	cursor, err := store.LastCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor, "unknown session starts at zero")

	stored, err := store.AdvanceCursor(ctx, "s1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored)

	// A stale replay cannot move the cursor backwards.
	stored, err = store.AdvanceCursor(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored)

	stored, err = store.AdvanceCursor(ctx, "s1", 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stored)

	cursor, err = store.LastCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cursor)
}

func TestStore_EvictsOldestEntries(t *testing.T) {
	const maxEntries = 10
	store := openTestStore(t, maxEntries)
	ctx := context.Background()

	for i := 0; i < maxEntries*2; i++ {
		_, err := store.MarkHandled(ctx, "s1", fmt.Sprintf("e%03d", i))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM handled_events`).Scan(&count))
	assert.LessOrEqual(t, count, maxEntries)

	// The newest entry survives eviction.
	handled, err := store.Handled(ctx, "s1", fmt.Sprintf("e%03d", maxEntries*2-1))
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handled.db")
	ctx := context.Background()

	store, err := Open(path, 0)
	require.NoError(t, err)
	_, err = store.MarkHandled(ctx, "s1", "e1")
	require.NoError(t, err)
	_, err = store.AdvanceCursor(ctx, "s1", 4)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	handled, err := reopened.Handled(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.True(t, handled)

	cursor, err := reopened.LastCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), cursor)
}
