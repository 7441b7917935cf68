package model

import (
	"time"

	"github.com/google/uuid"
)

// Claim types for SessionSpeaker rows.
const (
	ClaimTypeSelf  = "self"
	ClaimTypeUser  = "user"
	ClaimTypeGuest = "guest"
)

// SpeakerSegment is a diarization-produced time range attributed to one
// speaker. Segments are never persisted; only their aggregates are.
type SpeakerSegment struct {
	SpeakerID string  `json:"speaker_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Duration returns the segment length in seconds.
func (s SpeakerSegment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// SessionSpeaker is one detected speaker in a processed session. Exactly one
// row exists per distinct speaker id in the diarization output, even when no
// target words were counted for it.
type SessionSpeaker struct {
	ID                   uuid.UUID  `json:"id"`
	SessionID            uuid.UUID  `json:"session_id"`
	SpeakerLabel         string     `json:"speaker_label"`
	SegmentCount         int        `json:"segment_count"`
	TotalDurationSeconds *float64   `json:"total_duration_seconds,omitempty"`
	SampleAudioURL       *string    `json:"sample_audio_url,omitempty"`
	SampleStartTime      *float64   `json:"sample_start_time,omitempty"`
	ClaimedBy            *uuid.UUID `json:"claimed_by,omitempty"`
	ClaimedAt            *time.Time `json:"claimed_at,omitempty"`
	ClaimType            *string    `json:"claim_type,omitempty"`
	AttributedToUserID   *uuid.UUID `json:"attributed_to_user_id,omitempty"`
	GuestName            *string    `json:"guest_name,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Claimed reports whether this speaker has already been claimed.
func (s *SessionSpeaker) Claimed() bool {
	return s.ClaimType != nil
}

// SpeakerWordCount is one detected-word total for one speaker, before
// claiming attributes it to a user.
type SpeakerWordCount struct {
	ID               int64     `json:"id"`
	SessionSpeakerID uuid.UUID `json:"session_speaker_id"`
	Word             string    `json:"word"`
	Count            int       `json:"count"`
}
