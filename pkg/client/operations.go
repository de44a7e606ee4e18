package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pushpals/pushpals/pkg/models"
)

// CreateSessionResult reports whether the session existed already.
type CreateSessionResult struct {
	SessionID string `json:"sessionId"`
	Created   bool   `json:"created"`
}

// CreateSession creates or re-opens a session. An empty id lets the server
// mint one.
func (c *Client) CreateSession(ctx context.Context, sessionID string) (*CreateSessionResult, error) {
	var out CreateSessionResult
	err := c.doJSON(ctx, http.MethodPost, "/sessions",
		map[string]string{"sessionId": sessionID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CommandResult is the ack for an ingested envelope.
type CommandResult struct {
	OK      bool   `json:"ok"`
	EventID string `json:"eventId"`
	Cursor  int64  `json:"cursor"`
}

// SendCommand posts a protocol envelope to the session's command endpoint.
func (c *Client) SendCommand(ctx context.Context, sessionID string, env models.Envelope) (*CommandResult, error) {
	var out CommandResult
	err := c.doJSON(ctx, http.MethodPost,
		"/sessions/"+url.PathEscape(sessionID)+"/command", env, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EnqueueRequestParams mirrors POST /requests/enqueue.
type EnqueueRequestParams struct {
	SessionID         string          `json:"sessionId"`
	OriginalPrompt    string          `json:"originalPrompt"`
	EnhancedPrompt    string          `json:"enhancedPrompt,omitempty"`
	Priority          models.Priority `json:"priority,omitempty"`
	QueueWaitBudgetMs int64           `json:"queueWaitBudgetMs,omitempty"`
	IdempotencyKey    string          `json:"idempotencyKey,omitempty"`
}

// EnqueueResult is the common shape of the three enqueue acks.
type EnqueueResult struct {
	OK           bool   `json:"ok"`
	RequestID    string `json:"requestId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
	CompletionID string `json:"completionId,omitempty"`
	Created      bool   `json:"created"`
}

// EnqueueRequest adds a prompt request to the request queue.
func (c *Client) EnqueueRequest(ctx context.Context, p EnqueueRequestParams) (*EnqueueResult, error) {
	var out EnqueueResult
	if err := c.doJSON(ctx, http.MethodPost, "/requests/enqueue", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimedRequest is a claim ack; Request is nil when the queue was empty.
type ClaimedRequest struct {
	OK          bool            `json:"ok"`
	Request     *models.Request `json:"request"`
	QueueWaitMs *int64          `json:"queueWaitMs"`
}

// ClaimRequest claims the highest-priority pending request, or returns an
// empty ack.
func (c *Client) ClaimRequest(ctx context.Context, agentID string) (*ClaimedRequest, error) {
	var out ClaimedRequest
	err := c.doJSON(ctx, http.MethodPost, "/requests/claim",
		map[string]string{"agentId": agentID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteRequest finishes a claimed request with the enhanced prompt.
func (c *Client) CompleteRequest(ctx context.Context, id, agentID, enhancedPrompt string, result json.RawMessage) (*models.Request, error) {
	var out models.Request
	err := c.doJSON(ctx, http.MethodPost, "/requests/"+url.PathEscape(id)+"/complete",
		map[string]any{"agentId": agentID, "enhancedPrompt": enhancedPrompt, "result": result}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FailRequest marks a request failed with a reason.
func (c *Client) FailRequest(ctx context.Context, id, agentID, message string, detail json.RawMessage) (*models.Request, error) {
	var out models.Request
	err := c.doJSON(ctx, http.MethodPost, "/requests/"+url.PathEscape(id)+"/fail",
		map[string]any{"agentId": agentID, "message": message, "detail": detail}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EnqueueJobParams mirrors POST /jobs/enqueue.
type EnqueueJobParams struct {
	TaskID               string          `json:"taskId"`
	SessionID            string          `json:"sessionId"`
	Kind                 string          `json:"kind"`
	Params               json.RawMessage `json:"params,omitempty"`
	TargetWorkerID       string          `json:"targetWorkerId,omitempty"`
	Priority             models.Priority `json:"priority,omitempty"`
	QueueWaitBudgetMs    int64           `json:"queueWaitBudgetMs,omitempty"`
	ExecutionBudgetMs    int64           `json:"executionBudgetMs,omitempty"`
	FinalizationBudgetMs int64           `json:"finalizationBudgetMs,omitempty"`
	IdempotencyKey       string          `json:"idempotencyKey,omitempty"`
}

// EnqueueJob adds a job to the job queue.
func (c *Client) EnqueueJob(ctx context.Context, p EnqueueJobParams) (*EnqueueResult, error) {
	var out EnqueueResult
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/enqueue", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimedJob is a claim ack; Job is nil when no eligible job was pending.
type ClaimedJob struct {
	OK          bool        `json:"ok"`
	Job         *models.Job `json:"job"`
	QueueWaitMs *int64      `json:"queueWaitMs"`
}

// ClaimJob claims the next job eligible for this worker.
func (c *Client) ClaimJob(ctx context.Context, workerID string) (*ClaimedJob, error) {
	var out ClaimedJob
	err := c.doJSON(ctx, http.MethodPost, "/jobs/claim",
		map[string]string{"workerId": workerID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StartJob marks the claimed job as executing.
func (c *Client) StartJob(ctx context.Context, id, workerID string) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/start",
		map[string]string{"workerId": workerID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// logLinePayload matches the server's batch log body.
type logLinePayload struct {
	Stream models.LogStream `json:"stream"`
	Seq    int64            `json:"seq"`
	Line   string           `json:"line"`
}

// AppendJobLogs posts a batch of sequence-numbered log lines.
func (c *Client) AppendJobLogs(ctx context.Context, jobID string, lines []models.LogLine) error {
	payload := make([]logLinePayload, 0, len(lines))
	for _, l := range lines {
		payload = append(payload, logLinePayload{Stream: l.Stream, Seq: l.Seq, Line: l.Line})
	}
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/log",
		map[string]any{"lines": payload}, nil)
}

// TailJobLogs fetches log lines after a sequence number. An empty stream
// fetches both streams.
func (c *Client) TailJobLogs(ctx context.Context, jobID string, stream models.LogStream, afterSeq int64, limit int) ([]models.LogLine, error) {
	var out struct {
		JobID string           `json:"jobId"`
		Lines []models.LogLine `json:"lines"`
	}
	path := "/jobs/" + url.PathEscape(jobID) + "/logs?stream=" + url.QueryEscape(string(stream)) +
		"&after=" + itoa(afterSeq) + "&limit=" + itoa(int64(limit))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// CompleteJob finishes a claimed job with its result.
func (c *Client) CompleteJob(ctx context.Context, id, workerID string, result json.RawMessage) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/complete",
		map[string]any{"workerId": workerID, "result": result}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FailJob marks a job failed with a reason.
func (c *Client) FailJob(ctx context.Context, id, workerID, message string, detail json.RawMessage) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/fail",
		map[string]any{"workerId": workerID, "message": message, "detail": detail}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseJob returns a claimed job to pending before work started.
func (c *Client) ReleaseJob(ctx context.Context, id string, keepTarget bool) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/release",
		map[string]bool{"keepTarget": keepTarget}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EnqueueCompletionParams mirrors POST /completions/enqueue.
type EnqueueCompletionParams struct {
	SessionID      string          `json:"sessionId"`
	JobID          string          `json:"jobId"`
	CommitSHA      string          `json:"commitSha"`
	Branch         string          `json:"branch"`
	Message        string          `json:"message,omitempty"`
	Priority       models.Priority `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// EnqueueCompletion adds a finished commit to the completion queue.
func (c *Client) EnqueueCompletion(ctx context.Context, p EnqueueCompletionParams) (*EnqueueResult, error) {
	var out EnqueueResult
	if err := c.doJSON(ctx, http.MethodPost, "/completions/enqueue", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimedCompletion is a claim ack; Completion is nil when the queue was
// empty.
type ClaimedCompletion struct {
	OK         bool               `json:"ok"`
	Completion *models.Completion `json:"completion"`
}

// ClaimCompletion claims the next pending completion.
func (c *Client) ClaimCompletion(ctx context.Context, agentID string) (*ClaimedCompletion, error) {
	var out ClaimedCompletion
	err := c.doJSON(ctx, http.MethodPost, "/completions/claim",
		map[string]string{"agentId": agentID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessCompletion marks a claimed completion as pushed.
func (c *Client) ProcessCompletion(ctx context.Context, id, agentID, pusherID string) (*models.Completion, error) {
	var out models.Completion
	err := c.doJSON(ctx, http.MethodPost, "/completions/"+url.PathEscape(id)+"/complete",
		map[string]string{"agentId": agentID, "pusherId": pusherID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FailCompletion marks a completion failed with a reason.
func (c *Client) FailCompletion(ctx context.Context, id, agentID, message string, detail json.RawMessage) (*models.Completion, error) {
	var out models.Completion
	err := c.doJSON(ctx, http.MethodPost, "/completions/"+url.PathEscape(id)+"/fail",
		map[string]any{"agentId": agentID, "message": message, "detail": detail}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// HeartbeatParams mirrors PUT /workers/heartbeat.
type HeartbeatParams struct {
	WorkerID     string              `json:"workerId"`
	Status       models.WorkerStatus `json:"status"`
	CurrentJobID string              `json:"currentJobId,omitempty"`
	PollMs       int64               `json:"pollMs,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Details      json.RawMessage     `json:"details,omitempty"`
}

// Heartbeat registers or refreshes the worker.
func (c *Client) Heartbeat(ctx context.Context, p HeartbeatParams) (*models.Worker, error) {
	var out models.Worker
	if err := c.doJSON(ctx, http.MethodPut, "/workers/heartbeat", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
