// Package events provides durable event publication and live delivery.
//
// Appends go through the Publisher, which assigns the per-session cursor and
// fires pg_notify in the same transaction as the insert. A dedicated LISTEN
// connection (NotifyListener) receives notifications for every pod and hands
// them to the SubscriberManager, which fans out to in-process subscribers.
// Subscribers resume from a cursor: history is replayed from the store first,
// then live delivery takes over with no gap and no duplicates.
package events

import (
	"errors"
	"strings"

	"github.com/pushpals/pushpals/pkg/models"
)

// ErrDuplicateEvent indicates an envelope id that was already appended.
var ErrDuplicateEvent = errors.New("duplicate event")

// ErrSlowConsumer indicates a subscription severed because its buffer
// overflowed. The consumer should reconnect and resume from its last cursor.
var ErrSlowConsumer = errors.New("subscriber too slow")

// ErrEventUnavailable indicates a subscription severed because a live event
// could not be restored from the store. The consumer should reconnect and
// resume from its last cursor to replay the gap.
var ErrEventUnavailable = errors.New("live event unavailable")

const sessionChannelPrefix = "pp_session:"

// SessionChannel returns the NOTIFY channel for a session's events.
func SessionChannel(sessionID string) string {
	return sessionChannelPrefix + sessionID
}

// SessionFromChannel inverts SessionChannel. ok is false for foreign
// channels.
func SessionFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, sessionChannelPrefix) {
		return "", false
	}
	return channel[len(sessionChannelPrefix):], true
}

// notifyFrame is the JSON carried in a NOTIFY payload. Postgres caps NOTIFY
// payloads at 8000 bytes, so oversized envelopes are sent as a truncated
// frame holding only routing fields; the manager re-fetches the full event
// from the store before fan-out.
type notifyFrame struct {
	SessionID string           `json:"sessionId"`
	Cursor    int64            `json:"cursor"`
	Truncated bool             `json:"truncated,omitempty"`
	Envelope  *models.Envelope `json:"envelope,omitempty"`
}
