package asr

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperTranscriber implements Transcriber using the OpenAI Whisper API.
type WhisperTranscriber struct {
	client  *openai.Client
	timeout time.Duration
}

// NewWhisperTranscriber creates a Whisper transcriber with a per-call timeout.
func NewWhisperTranscriber(apiKey string, timeout time.Duration) (*WhisperTranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}
	return &WhisperTranscriber{
		client:  openai.NewClient(apiKey),
		timeout: timeout,
	}, nil
}

// Name returns the backend name
func (t *WhisperTranscriber) Name() string {
	return "whisper"
}

// Transcribe sends the audio file to Whisper and returns the transcript
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat audio file: %w", err)
	}

	// Tiny files are silence or corrupt headers; skip the API call.
	if info.Size() < 1000 {
		return "", fmt.Errorf("audio file too small (%d bytes), may be empty or corrupted", info.Size())
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	startTime := time.Now()
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}

	transcript := strings.TrimSpace(resp.Text)
	log.Printf("[Whisper] Transcribed %s: %d chars in %v", audioPath, len(transcript), time.Since(startTime))

	return transcript, nil
}
