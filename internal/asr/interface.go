package asr

import (
	"context"

	"lahstats/internal/model"
)

// Transcriber defines the interface for speech-to-text backends
type Transcriber interface {
	// Transcribe transcribes an audio file and returns the raw text
	Transcribe(ctx context.Context, audioPath string) (string, error)

	// Name returns the name of the backend (e.g., "whisper")
	Name() string
}

// Diarizer defines the interface for speaker diarization backends
type Diarizer interface {
	// Diarize segments an audio file into speaker-attributed time ranges
	Diarize(ctx context.Context, audioPath string) ([]model.SpeakerSegment, error)
}
