package api

import (
	"encoding/json"

	"github.com/pushpals/pushpals/pkg/models"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type enqueueRequestRequest struct {
	SessionID         string          `json:"sessionId"`
	OriginalPrompt    string          `json:"originalPrompt"`
	EnhancedPrompt    string          `json:"enhancedPrompt"`
	Priority          models.Priority `json:"priority"`
	QueueWaitBudgetMs int64           `json:"queueWaitBudgetMs"`
	IdempotencyKey    string          `json:"idempotencyKey"`
}

type claimRequest struct {
	AgentID string `json:"agentId"`
}

type completeRequestRequest struct {
	AgentID        string          `json:"agentId"`
	EnhancedPrompt string          `json:"enhancedPrompt"`
	Result         json.RawMessage `json:"result"`
}

type failRequest struct {
	AgentID string          `json:"agentId"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

type enqueueJobRequest struct {
	TaskID               string          `json:"taskId"`
	SessionID            string          `json:"sessionId"`
	Kind                 string          `json:"kind"`
	Params               json.RawMessage `json:"params"`
	TargetWorkerID       string          `json:"targetWorkerId"`
	Priority             models.Priority `json:"priority"`
	QueueWaitBudgetMs    int64           `json:"queueWaitBudgetMs"`
	ExecutionBudgetMs    int64           `json:"executionBudgetMs"`
	FinalizationBudgetMs int64           `json:"finalizationBudgetMs"`
	IdempotencyKey       string          `json:"idempotencyKey"`
}

type claimJobRequest struct {
	WorkerID string `json:"workerId"`
}

type workerJobRequest struct {
	WorkerID string          `json:"workerId"`
	Result   json.RawMessage `json:"result"`
}

type failJobRequest struct {
	WorkerID string          `json:"workerId"`
	Message  string          `json:"message"`
	Detail   json.RawMessage `json:"detail"`
}

type releaseJobRequest struct {
	KeepTarget bool `json:"keepTarget"`
}

// jobLogRequest carries either a single line or a batch. When Lines is
// present the single-line fields are ignored.
type jobLogRequest struct {
	Stream models.LogStream `json:"stream"`
	Seq    int64            `json:"seq"`
	Line   string           `json:"line"`
	Lines  []jobLogLine     `json:"lines"`
}

type jobLogLine struct {
	Stream models.LogStream `json:"stream"`
	Seq    int64            `json:"seq"`
	Line   string           `json:"line"`
}

type enqueueCompletionRequest struct {
	SessionID      string          `json:"sessionId"`
	JobID          string          `json:"jobId"`
	CommitSHA      string          `json:"commitSha"`
	Branch         string          `json:"branch"`
	Message        string          `json:"message"`
	Priority       models.Priority `json:"priority"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type processCompletionRequest struct {
	AgentID  string `json:"agentId"`
	PusherID string `json:"pusherId"`
}

type heartbeatRequest struct {
	WorkerID     string              `json:"workerId"`
	Status       models.WorkerStatus `json:"status"`
	CurrentJobID string              `json:"currentJobId"`
	PollMs       int64               `json:"pollMs"`
	Capabilities []string            `json:"capabilities"`
	Details      json.RawMessage     `json:"details"`
}
