package model

import (
	"time"

	"github.com/google/uuid"
)

// Job is the queue payload for a session processing run. It lives only in
// the queue; its wire format is {"session_id": "<uuid>", "queued_at": "<ISO-8601>"}.
type Job struct {
	SessionID uuid.UUID `json:"session_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// NewJob builds a job for a session, stamped with the current time.
func NewJob(sessionID uuid.UUID) Job {
	return Job{
		SessionID: sessionID,
		QueuedAt:  time.Now().UTC(),
	}
}
