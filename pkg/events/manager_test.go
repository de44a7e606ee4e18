package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/pkg/models"
	"github.com/pushpals/pushpals/pkg/services"
)

// fakeStore serves catchup reads from an in-memory event slice.
type fakeStore struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *fakeStore) add(ev *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeStore) ListAfter(_ context.Context, sessionID string, after int64, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, ev := range s.events {
		if ev.Envelope.SessionID == sessionID && ev.Cursor > after {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, sessionID string, cursor int64) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Envelope.SessionID == sessionID && ev.Cursor == cursor {
			return ev, nil
		}
	}
	return nil, services.ErrNotFound
}

// fakeChannelListener records LISTEN/UNLISTEN calls.
type fakeChannelListener struct {
	mu        sync.Mutex
	listens   []string
	unlistens []string
}

func (l *fakeChannelListener) Listen(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listens = append(l.listens, channel)
	return nil
}

func (l *fakeChannelListener) Unlisten(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlistens = append(l.unlistens, channel)
	return nil
}

func (l *fakeChannelListener) listenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listens)
}

func (l *fakeChannelListener) unlistenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unlistens)
}

func testEvent(sessionID string, cursor int64) *models.Event {
	return &models.Event{
		Cursor: cursor,
		Envelope: models.Envelope{
			ProtocolVersion: models.ProtocolVersion,
			ID:              uuid.NewString(),
			SessionID:       sessionID,
			Type:            models.EventMessage,
			From:            "user",
			Payload:         json.RawMessage(fmt.Sprintf(`{"n":%d}`, cursor)),
		},
	}
}

func dispatchFrame(m *SubscriberManager, t *testing.T, ev *models.Event) {
	t.Helper()
	payload, err := json.Marshal(notifyFrame{
		SessionID: ev.Envelope.SessionID,
		Cursor:    ev.Cursor,
		Envelope:  &ev.Envelope,
	})
	require.NoError(t, err)
	m.Dispatch(SessionChannel(ev.Envelope.SessionID), payload)
}

func receiveEvent(t *testing.T, sub *Subscription) *models.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed early: %v", sub.Err())
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscriberManager_CatchupThenLive(t *testing.T) {
	store := &fakeStore{}
	m := NewSubscriberManager(store, discardLogger(), 16, 2)
	sessionID := uuid.NewString()

	// Two events predate the subscription; pageSize 2 forces a second
	// catchup page.
	for c := int64(1); c <= 3; c++ {
		store.add(testEvent(sessionID, c))
	}

	sub, err := m.Subscribe(context.Background(), sessionID, 0)
	require.NoError(t, err)
	defer sub.Close()

	for c := int64(1); c <= 3; c++ {
		assert.Equal(t, c, receiveEvent(t, sub).Cursor)
	}

	// A live frame repeating the last replayed cursor is dropped; the next
	// cursor flows through.
	dispatchFrame(m, t, testEvent(sessionID, 3))
	ev4 := testEvent(sessionID, 4)
	dispatchFrame(m, t, ev4)

	got := receiveEvent(t, sub)
	assert.Equal(t, int64(4), got.Cursor)
	assert.Equal(t, ev4.Envelope.ID, got.Envelope.ID)
}

func TestSubscriberManager_ResumeFromCursor(t *testing.T) {
	store := &fakeStore{}
	m := NewSubscriberManager(store, discardLogger(), 16, 100)
	sessionID := uuid.NewString()

	for c := int64(1); c <= 5; c++ {
		store.add(testEvent(sessionID, c))
	}

	sub, err := m.Subscribe(context.Background(), sessionID, 3)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, int64(4), receiveEvent(t, sub).Cursor)
	assert.Equal(t, int64(5), receiveEvent(t, sub).Cursor)
}

func TestSubscriberManager_ListenLifecycle(t *testing.T) {
	store := &fakeStore{}
	listener := &fakeChannelListener{}
	m := NewSubscriberManager(store, discardLogger(), 16, 100)
	m.SetListener(listener)
	sessionID := uuid.NewString()

	first, err := m.Subscribe(context.Background(), sessionID, 0)
	require.NoError(t, err)
	second, err := m.Subscribe(context.Background(), sessionID, 0)
	require.NoError(t, err)

	// Only the first subscriber of a session issues LISTEN.
	assert.Equal(t, 1, listener.listenCount())
	assert.Equal(t, []string{SessionChannel(sessionID)}, listener.listens)
	assert.Equal(t, 2, m.SubscriberCount(sessionID))

	first.Close()
	assert.Equal(t, 0, listener.unlistenCount(), "UNLISTEN waits for the last subscriber")

	second.Close()
	require.Eventually(t, func() bool {
		return listener.unlistenCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.SubscriberCount(sessionID))
}

func TestSubscriberManager_SlowConsumerSevered(t *testing.T) {
	store := &fakeStore{}
	m := NewSubscriberManager(store, discardLogger(), 1, 100)
	sessionID := uuid.NewString()

	sub, err := m.Subscribe(context.Background(), sessionID, 0)
	require.NoError(t, err)

	// Nobody reads sub.Events(); the tiny buffer overflows and the
	// subscription is severed instead of blocking dispatch.
	for c := int64(1); c <= 4; c++ {
		dispatchFrame(m, t, testEvent(sessionID, c))
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("slow subscriber was not severed")
	}
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	assert.Equal(t, 0, m.SubscriberCount(sessionID))
}

func TestSubscriberManager_TruncatedFrameRestored(t *testing.T) {
	store := &fakeStore{}
	m := NewSubscriberManager(store, discardLogger(), 16, 100)
	sessionID := uuid.NewString()

	sub, err := m.Subscribe(context.Background(), sessionID, 0)
	require.NoError(t, err)
	defer sub.Close()

	// The full event lives only in the store; the frame carries routing
	// fields.
	full := testEvent(sessionID, 1)
	store.add(full)

	payload, err := json.Marshal(notifyFrame{
		SessionID: sessionID,
		Cursor:    1,
		Truncated: true,
	})
	require.NoError(t, err)
	m.Dispatch(SessionChannel(sessionID), payload)

	got := receiveEvent(t, sub)
	assert.Equal(t, full.Envelope.ID, got.Envelope.ID)
	assert.JSONEq(t, string(full.Envelope.Payload), string(got.Envelope.Payload))
}

func TestSubscriberManager_UnrestorableEventSeversSubscribers(t *testing.T) {
	store := &fakeStore{}
	m := NewSubscriberManager(store, discardLogger(), 16, 100)
	sessionID := uuid.NewString()

	sub, err := m.Subscribe(context.Background(), sessionID, 0)
	require.NoError(t, err)

	// A truncated frame whose event is missing from the store cannot be
	// delivered. The subscription must end, not skip the cursor.
	payload, err := json.Marshal(notifyFrame{
		SessionID: sessionID,
		Cursor:    7,
		Truncated: true,
	})
	require.NoError(t, err)
	m.Dispatch(SessionChannel(sessionID), payload)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber survived an undeliverable event")
	}
	assert.ErrorIs(t, sub.Err(), ErrEventUnavailable)
	assert.Equal(t, 0, m.SubscriberCount(sessionID))
}

func TestSubscriberManager_IgnoresForeignChannels(t *testing.T) {
	store := &fakeStore{}
	m := NewSubscriberManager(store, discardLogger(), 16, 100)

	// Neither a foreign channel nor a malformed frame reaches subscribers.
	m.Dispatch("other_channel", []byte(`{}`))
	m.Dispatch(SessionChannel("s1"), []byte(`not json`))
}
