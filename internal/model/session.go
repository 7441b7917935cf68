package model

import (
	"time"

	"github.com/google/uuid"
)

// Session status values. A session is terminal once completed or failed;
// re-processing requires a new job and resets status to processing.
const (
	StatusRecording        = "recording"
	StatusProcessing       = "processing"
	StatusReadyForClaiming = "ready_for_claiming"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Session represents a recording session row
type Session struct {
	ID              uuid.UUID  `json:"id"`
	GroupID         *uuid.UUID `json:"group_id,omitempty"`
	StartedBy       uuid.UUID  `json:"started_by"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	AudioURL        *string    `json:"audio_url,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
