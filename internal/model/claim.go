package model

import (
	"time"

	"github.com/google/uuid"
)

// WordCount is a word total attributed to a user after claiming. Guest
// claims produce no rows here; their counts stay on the speaker.
type WordCount struct {
	ID         int64      `json:"id"`
	SessionID  uuid.UUID  `json:"session_id"`
	UserID     uuid.UUID  `json:"user_id"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
	Word       string     `json:"word"`
	Count      int        `json:"count"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Claim describes a claim request for one session speaker.
type Claim struct {
	ClaimedBy          uuid.UUID
	ClaimType          string
	AttributedToUserID *uuid.UUID
	GuestName          *string
}
