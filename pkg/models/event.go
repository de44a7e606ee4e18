package models

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the wire protocol version stamped on every envelope.
// Ingest rejects envelopes carrying any other version.
const ProtocolVersion = 1

// Envelope is the protocol event exchanged between agents and the server.
// The server is authoritative for TS; the per-session cursor is assigned at
// append time and travels outside the envelope (see Event).
type Envelope struct {
	ProtocolVersion int             `json:"protocolVersion"`
	ID              string          `json:"id"`
	TS              time.Time       `json:"ts"`
	SessionID       string          `json:"sessionId"`
	Type            EventType       `json:"type"`
	From            string          `json:"from"`
	To              string          `json:"to,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	TurnID          string          `json:"turnId,omitempty"`
	ParentID        string          `json:"parentId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Event is a persisted envelope together with its per-session cursor.
// Cursors start at 1 and are strictly increasing with no gaps.
type Event struct {
	Cursor   int64    `json:"cursor"`
	Envelope Envelope `json:"envelope"`
}

// EventType identifies an envelope variant. The set is closed: ingest
// rejects unknown types so the wire stays stable.
type EventType string

// Chat and control events.
const (
	EventMessage          EventType = "message"
	EventAssistantMessage EventType = "assistant_message"
	EventAgentStatus      EventType = "agent_status"
)

// Task lifecycle events. Tasks are a logical grouping reconstructed from the
// event stream; no task row exists in the store.
const (
	EventTaskCreated   EventType = "task_created"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
)

// Job lifecycle events.
const (
	EventJobEnqueued  EventType = "job_enqueued"
	EventJobClaimed   EventType = "job_claimed"
	EventJobLog       EventType = "job_log"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// Approval events.
const (
	EventApprovalRequired EventType = "approval_required"
	EventApproved         EventType = "approved"
	EventDenied           EventType = "denied"
)

// Integration events.
const (
	EventDiffReady EventType = "diff_ready"
	EventCommitted EventType = "committed"
)

// Diagnostic events.
const (
	EventLog   EventType = "log"
	EventError EventType = "error"
)

// Delegation events.
const (
	EventDelegateRequest  EventType = "delegate_request"
	EventDelegateResponse EventType = "delegate_response"
)

// KnownEventTypes returns every valid envelope type.
func KnownEventTypes() []EventType {
	return []EventType{
		EventMessage, EventAssistantMessage, EventAgentStatus,
		EventTaskCreated, EventTaskStarted, EventTaskProgress, EventTaskCompleted, EventTaskFailed,
		EventJobEnqueued, EventJobClaimed, EventJobLog, EventJobCompleted, EventJobFailed,
		EventApprovalRequired, EventApproved, EventDenied,
		EventDiffReady, EventCommitted,
		EventLog, EventError,
		EventDelegateRequest, EventDelegateResponse,
	}
}

// Valid reports whether t is a known envelope type.
func (t EventType) Valid() bool {
	for _, k := range KnownEventTypes() {
		if t == k {
			return true
		}
	}
	return false
}
