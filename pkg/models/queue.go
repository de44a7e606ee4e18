package models

import (
	"encoding/json"
	"time"
)

// Priority orders pending rows within a queue. Interactive rows are always
// claimed before normal rows, normal before background.
type Priority string

// Priority levels, highest first.
const (
	PriorityInteractive Priority = "interactive"
	PriorityNormal      Priority = "normal"
	PriorityBackground  Priority = "background"
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityInteractive, PriorityNormal, PriorityBackground:
		return true
	}
	return false
}

// Rank returns the claim ordering rank: lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// QueueStatus is the lifecycle state of a queue row.
// pending → claimed → (completed | failed); terminal states are sticky.
// Completions use StatusProcessed in place of StatusCompleted.
type QueueStatus string

// Queue row states.
const (
	StatusPending   QueueStatus = "pending"
	StatusClaimed   QueueStatus = "claimed"
	StatusCompleted QueueStatus = "completed"
	StatusProcessed QueueStatus = "processed"
	StatusFailed    QueueStatus = "failed"
)

// Terminal reports whether s is a terminal state.
func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// QueueError is the structured failure detail stored on a failed row.
type QueueError struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Request is an enqueued user prompt awaiting orchestrator planning.
type Request struct {
	ID                string          `json:"requestId"`
	SessionID         string          `json:"sessionId"`
	OriginalPrompt    string          `json:"originalPrompt"`
	EnhancedPrompt    string          `json:"enhancedPrompt"`
	Priority          Priority        `json:"priority"`
	QueueWaitBudgetMs int64           `json:"queueWaitBudgetMs,omitempty"`
	Status            QueueStatus     `json:"status"`
	AgentID           string          `json:"agentId,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *QueueError     `json:"error,omitempty"`
	EnqueuedAt        time.Time       `json:"enqueuedAt"`
	ClaimedAt         *time.Time      `json:"claimedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Job is a planned unit of work claimable by a worker. A job belongs to
// exactly one task; the task itself is derived from events, never stored.
type Job struct {
	ID                   string          `json:"jobId"`
	TaskID               string          `json:"taskId"`
	SessionID            string          `json:"sessionId"`
	Kind                 string          `json:"kind"`
	Params               json.RawMessage `json:"params,omitempty"`
	Priority             Priority        `json:"priority"`
	Status               QueueStatus     `json:"status"`
	WorkerID             string          `json:"workerId,omitempty"`
	TargetWorkerID       string          `json:"targetWorkerId,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                *QueueError     `json:"error,omitempty"`
	QueueWaitBudgetMs    int64           `json:"queueWaitBudgetMs,omitempty"`
	ExecutionBudgetMs    int64           `json:"executionBudgetMs,omitempty"`
	FinalizationBudgetMs int64           `json:"finalizationBudgetMs,omitempty"`
	RequeueCount         int             `json:"requeueCount"`
	EnqueuedAt           time.Time       `json:"enqueuedAt"`
	ClaimedAt            *time.Time      `json:"claimedAt,omitempty"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	FirstLogAt           *time.Time      `json:"firstLogAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	FailedAt             *time.Time      `json:"failedAt,omitempty"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Completion is a post-job artifact awaiting integration by the SCM.
type Completion struct {
	ID          string      `json:"completionId"`
	JobID       string      `json:"jobId"`
	SessionID   string      `json:"sessionId"`
	CommitSHA   string      `json:"commitSha"`
	Branch      string      `json:"branch"`
	Message     string      `json:"message"`
	Priority    Priority    `json:"priority"`
	Status      QueueStatus `json:"status"`
	AgentID     string      `json:"agentId,omitempty"`
	PusherID    string      `json:"pusherId,omitempty"`
	Error       *QueueError `json:"error,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	ClaimedAt   *time.Time  `json:"claimedAt,omitempty"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
	FailedAt    *time.Time  `json:"failedAt,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// LogStream distinguishes the two per-job log streams.
type LogStream string

// Log streams.
const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// Valid reports whether s is a known log stream.
func (s LogStream) Valid() bool {
	return s == StreamStdout || s == StreamStderr
}

// LogLine is one line of a per-job ordered log stream. Seq is
// producer-assigned, unique within (jobID, stream), and gap-free from 1.
type LogLine struct {
	JobID  string    `json:"jobId"`
	Stream LogStream `json:"stream"`
	Seq    int64     `json:"seq"`
	Line   string    `json:"line"`
}
