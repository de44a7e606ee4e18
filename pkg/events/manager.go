package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/pkg/models"
)

// listenTimeout bounds the LISTEN issued when a session gains its first
// subscriber. A stalled LISTEN connection must not block the subscribing
// handler indefinitely.
const listenTimeout = 10 * time.Second

// fetchTimeout bounds the store re-fetch of a truncated NOTIFY frame.
const fetchTimeout = 5 * time.Second

// Store is the event log read interface the manager needs for catchup and
// truncated-frame recovery. Implemented by services.EventService.
type Store interface {
	ListAfter(ctx context.Context, sessionID string, after int64, limit int) ([]*models.Event, error)
	Get(ctx context.Context, sessionID string, cursor int64) (*models.Event, error)
}

// ChannelListener controls which NOTIFY channels the pod listens on.
// Implemented by NotifyListener.
type ChannelListener interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
}

// SubscriberManager fans live events out to in-process subscribers.
//
// A subscription resumes from a cursor: persisted events after it are
// replayed from the store first, then delivery switches to the live NOTIFY
// feed. LISTEN is active before the replay query runs, so an event is either
// in the replay or in the live buffer; duplicates across the seam are
// dropped by cursor. Per-subscriber buffers are bounded: a consumer that
// cannot keep up is severed with ErrSlowConsumer rather than allowed to
// stall delivery for the session.
type SubscriberManager struct {
	store    Store
	logger   *slog.Logger
	buffer   int
	pageSize int

	listener   ChannelListener
	listenerMu sync.RWMutex

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscription
}

// Subscription is one consumer's handle on a session's event feed.
type Subscription struct {
	id        string
	sessionID string

	out  chan *models.Event
	live chan *models.Event

	done    chan struct{}
	once    sync.Once
	err     error
	cancel  context.CancelFunc
	manager *SubscriberManager
}

// Events is the delivery channel. It is closed when the subscription ends;
// check Err afterwards.
func (s *Subscription) Events() <-chan *models.Event { return s.out }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended. Nil after a clean Close.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() { s.finish(nil) }

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		s.manager.remove(s)
		close(s.done)
	})
}

// NewSubscriberManager creates a manager. buffer is the per-subscriber live
// buffer capacity; pageSize is the catchup page size.
func NewSubscriberManager(store Store, logger *slog.Logger, buffer, pageSize int) *SubscriberManager {
	return &SubscriberManager{
		store:    store,
		logger:   logger.With("component", "subscriber_manager"),
		buffer:   buffer,
		pageSize: pageSize,
		sessions: make(map[string]map[string]*Subscription),
	}
}

// SetListener wires the NOTIFY listener. Called once at startup after both
// sides exist.
func (m *SubscriberManager) SetListener(l ChannelListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// Subscribe attaches a consumer to a session's feed, resuming after the
// given cursor (0 replays everything). The returned subscription delivers
// strictly increasing cursors with no gaps and no duplicates.
func (m *SubscriberManager) Subscribe(ctx context.Context, sessionID string, after int64) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		id:        uuid.NewString(),
		sessionID: sessionID,
		out:       make(chan *models.Event, m.buffer),
		live:      make(chan *models.Event, m.buffer),
		done:      make(chan struct{}),
		cancel:    cancel,
		manager:   m,
	}

	// Register and LISTEN before the catchup query so no event can fall
	// between replay and live delivery.
	m.mu.Lock()
	subs, exists := m.sessions[sessionID]
	if !exists {
		subs = make(map[string]*Subscription)
		m.sessions[sessionID] = subs
	}
	subs[sub.id] = sub
	firstSubscriber := len(subs) == 1
	m.mu.Unlock()

	if firstSubscriber {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			err := l.Listen(listenCtx, SessionChannel(sessionID))
			listenCancel()
			if err != nil {
				m.remove(sub)
				cancel()
				return nil, fmt.Errorf("failed to listen on session channel: %w", err)
			}
		}
	}

	go sub.run(subCtx, m.store, m.pageSize, after)
	return sub, nil
}

// run replays history then forwards live events, deduplicating across the
// seam by cursor.
func (s *Subscription) run(ctx context.Context, store Store, pageSize int, after int64) {
	defer close(s.out)

	highWater := after
	for {
		page, err := store.ListAfter(ctx, s.sessionID, highWater, pageSize)
		if err != nil {
			s.finish(fmt.Errorf("catchup failed: %w", err))
			return
		}
		for _, ev := range page {
			select {
			case s.out <- ev:
				highWater = ev.Cursor
			case <-ctx.Done():
				s.finish(nil)
				return
			}
		}
		if len(page) < pageSize {
			break
		}
	}

	for {
		select {
		case ev := <-s.live:
			if ev.Cursor <= highWater {
				continue
			}
			select {
			case s.out <- ev:
				highWater = ev.Cursor
			case <-ctx.Done():
				s.finish(nil)
				return
			}
		case <-ctx.Done():
			s.finish(nil)
			return
		}
	}
}

// Dispatch implements Dispatcher. It decodes a NOTIFY frame, restores
// truncated frames from the store, and offers the event to every subscriber
// of the session. A subscriber whose buffer is full is severed.
func (m *SubscriberManager) Dispatch(channel string, payload []byte) {
	sessionID, ok := SessionFromChannel(channel)
	if !ok {
		return
	}

	var frame notifyFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		m.logger.Warn("malformed notify frame", "channel", channel, "error", err)
		return
	}

	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.sessions[sessionID]))
	for _, sub := range m.sessions[sessionID] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	var ev *models.Event
	if frame.Truncated || frame.Envelope == nil {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		full, err := m.store.Get(ctx, sessionID, frame.Cursor)
		cancel()
		if err != nil {
			// Skipping the cursor would open a silent gap in every live
			// feed. Sever instead so consumers resume and replay it.
			m.logger.Error("failed to restore truncated event, severing subscribers",
				"session_id", sessionID, "cursor", frame.Cursor, "error", err)
			for _, sub := range targets {
				sub.finish(fmt.Errorf("cursor %d: %w", frame.Cursor, ErrEventUnavailable))
			}
			return
		}
		ev = full
	} else {
		ev = &models.Event{Cursor: frame.Cursor, Envelope: *frame.Envelope}
	}

	for _, sub := range targets {
		select {
		case sub.live <- ev:
		default:
			m.logger.Warn("severing slow subscriber",
				"session_id", sessionID, "subscription_id", sub.id)
			sub.finish(ErrSlowConsumer)
		}
	}
}

// remove detaches a subscription, dropping the channel LISTEN when the last
// subscriber of a session leaves. The UNLISTEN goroutine re-checks for a
// resubscribe so a rapid detach/attach cycle cannot drop an active LISTEN.
func (m *SubscriberManager) remove(sub *Subscription) {
	m.mu.Lock()
	subs, exists := m.sessions[sub.sessionID]
	if !exists {
		m.mu.Unlock()
		return
	}
	if _, present := subs[sub.id]; !present {
		m.mu.Unlock()
		return
	}
	delete(subs, sub.id)
	last := len(subs) == 0
	if last {
		delete(m.sessions, sub.sessionID)
	}
	m.mu.Unlock()

	if !last {
		return
	}
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return
	}
	go func() {
		m.mu.RLock()
		_, resubscribed := m.sessions[sub.sessionID]
		m.mu.RUnlock()
		if resubscribed {
			return
		}
		if err := l.Unlisten(context.Background(), SessionChannel(sub.sessionID)); err != nil {
			m.logger.Error("failed to UNLISTEN session channel",
				"session_id", sub.sessionID, "error", err)
		}
	}()
}

// SubscriberCount returns the number of attached subscribers for a session.
func (m *SubscriberManager) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}
