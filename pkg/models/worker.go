package models

import (
	"encoding/json"
	"time"
)

// WorkerStatus is the status a worker reports in its heartbeat.
// Offline is never stored; it is derived from heartbeat age at read time.
type WorkerStatus string

// Worker states.
const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
	WorkerOffline WorkerStatus = "offline"
)

// Valid reports whether s may appear in a heartbeat.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerError:
		return true
	}
	return false
}

// Worker is a registry row, upserted on every heartbeat.
type Worker struct {
	WorkerID      string          `json:"workerId"`
	Status        WorkerStatus    `json:"status"`
	CurrentJobID  string          `json:"currentJobId,omitempty"`
	PollMs        int64           `json:"pollMs,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	LastHeartbeat time.Time       `json:"lastHeartbeat"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// WorkerSnapshot is a worker row with its derived scheduling state.
// Online iff now - lastHeartbeat < TTL; idle iff online, reporting idle and
// holding no claimed jobs; busy iff online and reporting busy or holding at
// least one claimed job.
type WorkerSnapshot struct {
	Worker
	Online         bool `json:"online"`
	DerivedIdle    bool `json:"idle"`
	DerivedBusy    bool `json:"busy"`
	ActiveJobCount int  `json:"activeJobCount"`
}
