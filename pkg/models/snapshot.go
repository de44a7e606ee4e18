package models

import "time"

// QueueCounts is the per-status row count of one queue.
type QueueCounts struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// PendingPosition describes where a pending row sits in its queue.
// ETA is pending-ahead multiplied by the average observed service time.
type PendingPosition struct {
	Position     int   `json:"position"`
	PendingAhead int   `json:"pendingAhead"`
	EtaMs        int64 `json:"etaMs"`
}

// SLORollup summarizes queue behavior over a rolling window.
// Percentiles are in milliseconds; rates are fractions in [0, 1].
type SLORollup struct {
	Window         time.Duration `json:"-"`
	WindowMs       int64         `json:"windowMs"`
	SampleCount    int           `json:"sampleCount"`
	QueueWaitP50Ms int64         `json:"queueWaitP50Ms"`
	QueueWaitP95Ms int64         `json:"queueWaitP95Ms"`
	DurationP50Ms  int64         `json:"durationP50Ms"`
	DurationP95Ms  int64         `json:"durationP95Ms"`
	SuccessRate    float64       `json:"successRate"`
	TimeoutRate    float64       `json:"timeoutRate"`
}

// SystemStatus is the read-only projection served by /system/status.
type SystemStatus struct {
	Sessions    int              `json:"sessions"`
	Requests    QueueCounts      `json:"requests"`
	Jobs        QueueCounts      `json:"jobs"`
	Completions QueueCounts      `json:"completions"`
	Workers     []WorkerSnapshot `json:"workers"`
	RequestSLO  SLORollup        `json:"requestSlo"`
	JobSLO      SLORollup        `json:"jobSlo"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
