package repository

import (
	"context"
	"lahstats/internal/model"

	"github.com/google/uuid"
)

// Sessions defines data access for session rows
type Sessions interface {
	// CreateSession creates a new session in the recording state
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)

	// MarkSessionEnded stamps ended_at when recording stops
	MarkSessionEnded(ctx context.Context, id uuid.UUID) error

	// StartProcessing resets the session for a processing run
	// (status=processing, progress=0, error cleared)
	StartProcessing(ctx context.Context, id uuid.UUID) error

	// UpdateProgress writes the overall progress value [0,100]
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error

	// SetDuration records the concatenated audio duration
	SetDuration(ctx context.Context, id uuid.UUID, seconds int) error

	// SetAudioURL attaches the processed full-audio URL
	SetAudioURL(ctx context.Context, id uuid.UUID, url string) error

	// MarkReadyForClaiming sets the terminal success state at 100%
	MarkReadyForClaiming(ctx context.Context, id uuid.UUID) error

	// MarkFailed sets status=failed with an error message
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Chunks defines data access for uploaded audio chunks
type Chunks interface {
	// CreateChunk records an uploaded chunk
	CreateChunk(ctx context.Context, c *model.AudioChunk) error

	// ListChunks returns all chunks for a session ordered by chunk_number
	ListChunks(ctx context.Context, sessionID uuid.UUID) ([]model.AudioChunk, error)
}

// TranscriptionCache defines data access for cached chunk transcriptions
type TranscriptionCache interface {
	// GetCacheEntry returns the cache row for (session, chunk), or nil if absent
	GetCacheEntry(ctx context.Context, sessionID uuid.UUID, chunkNumber int) (*model.ChunkTranscription, error)

	// SaveCacheResult upserts a successful transcription, clearing any prior error
	SaveCacheResult(ctx context.Context, entry *model.ChunkTranscription) error

	// SaveCacheError upserts the error message for a failed population attempt
	SaveCacheError(ctx context.Context, sessionID uuid.UUID, chunkNumber int, errMsg string) error

	// ListCached returns successful cache entries keyed by chunk_number
	ListCached(ctx context.Context, sessionID uuid.UUID) (map[int]*model.ChunkTranscription, error)

	// CacheStats summarizes cache population state for a session
	CacheStats(ctx context.Context, sessionID uuid.UUID) (*model.CacheStats, error)
}

// Speakers defines data access for detected speakers and their word counts
type Speakers interface {
	// CreateSpeaker inserts a SessionSpeaker row (ID preassigned by caller)
	CreateSpeaker(ctx context.Context, s *model.SessionSpeaker) error

	// CreateWordCounts inserts one row per distinct word with a non-zero count
	CreateWordCounts(ctx context.Context, speakerID uuid.UUID, counts map[string]int) error

	// UpdateSpeakerSample attaches the sample clip URL and speaking totals
	UpdateSpeakerSample(ctx context.Context, speakerID uuid.UUID, sampleURL string, sampleStart, totalDuration float64) error

	// GetSpeaker retrieves one speaker by ID
	GetSpeaker(ctx context.Context, id uuid.UUID) (*model.SessionSpeaker, error)

	// ListSpeakers returns all speakers for a session
	ListSpeakers(ctx context.Context, sessionID uuid.UUID) ([]model.SessionSpeaker, error)

	// ListWordCounts returns the word counts for one speaker
	ListWordCounts(ctx context.Context, speakerID uuid.UUID) ([]model.SpeakerWordCount, error)

	// ClaimSpeaker performs a claim and copies counts into the session-wide
	// aggregate. Fails if the speaker was already claimed.
	ClaimSpeaker(ctx context.Context, speakerID uuid.UUID, claim model.Claim) error
}

// Repository aggregates all data access used by the server and worker
type Repository interface {
	Sessions
	Chunks
	TranscriptionCache
	Speakers
}
