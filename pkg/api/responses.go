package api

import "github.com/pushpals/pushpals/pkg/models"

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	Created   bool   `json:"created"`
}

type commandResponse struct {
	OK      bool   `json:"ok"`
	EventID string `json:"eventId"`
	Cursor  int64  `json:"cursor"`
}

type enqueueRequestResponse struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"requestId"`
	Created   bool   `json:"created"`
}

type claimRequestResponse struct {
	OK          bool            `json:"ok"`
	Request     *models.Request `json:"request,omitempty"`
	QueueWaitMs *int64          `json:"queueWaitMs,omitempty"`
}

type enqueueJobResponse struct {
	OK      bool   `json:"ok"`
	JobID   string `json:"jobId"`
	Created bool   `json:"created"`
}

type claimJobResponse struct {
	OK          bool        `json:"ok"`
	Job         *models.Job `json:"job,omitempty"`
	QueueWaitMs *int64      `json:"queueWaitMs,omitempty"`
}

type enqueueCompletionResponse struct {
	OK           bool   `json:"ok"`
	CompletionID string `json:"completionId"`
	Created      bool   `json:"created"`
}

type claimCompletionResponse struct {
	OK         bool               `json:"ok"`
	Completion *models.Completion `json:"completion,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type logsResponse struct {
	JobID string           `json:"jobId"`
	Lines []models.LogLine `json:"lines"`
}
