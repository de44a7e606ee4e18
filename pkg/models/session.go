package models

import "time"

// Session is the top-level scope for events, queues, and worker assignments.
type Session struct {
	ID             string    `json:"sessionId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}
