package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"lahstats/internal/model"
)

// HTTPDiarizer implements Diarizer against a diarization inference service
// (a pyannote server) that accepts multipart audio and returns segments.
type HTTPDiarizer struct {
	url    string
	client *http.Client
}

// diarizeResponse is the service's JSON reply
type diarizeResponse struct {
	Segments []struct {
		SpeakerID string  `json:"speaker_id"`
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	} `json:"segments"`
	Error string `json:"error,omitempty"`
}

// NewHTTPDiarizer creates a diarizer client with a per-call timeout.
func NewHTTPDiarizer(url string, timeout time.Duration) *HTTPDiarizer {
	return &HTTPDiarizer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Diarize uploads the audio file and returns speaker segments
func (d *HTTPDiarizer) Diarize(ctx context.Context, audioPath string) ([]model.SpeakerSegment, error) {
	startTime := time.Now()

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to diarizer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read diarizer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Diarizer] API error: status %d, body: %s", resp.StatusCode, preview(body))
		return nil, fmt.Errorf("diarizer returned status %d: %s", resp.StatusCode, preview(body))
	}

	var dr diarizeResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		log.Printf("[Diarizer] Failed to parse response: %s", preview(body))
		return nil, fmt.Errorf("failed to parse diarizer response: %w", err)
	}
	if dr.Error != "" {
		return nil, fmt.Errorf("diarizer error: %s", dr.Error)
	}

	segments := make([]model.SpeakerSegment, 0, len(dr.Segments))
	for _, s := range dr.Segments {
		segments = append(segments, model.SpeakerSegment{
			SpeakerID: s.SpeakerID,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
		})
	}

	log.Printf("[Diarizer] %d segments in %v", len(segments), time.Since(startTime))
	return segments, nil
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}
