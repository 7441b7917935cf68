package model

import (
	"time"

	"github.com/google/uuid"
)

// AudioChunk represents one uploaded audio chunk. Chunks are immutable once
// created; ordering by ChunkNumber (1-indexed) defines the session timeline.
type AudioChunk struct {
	ID              uuid.UUID `json:"id"`
	SessionID       uuid.UUID `json:"session_id"`
	ChunkNumber     int       `json:"chunk_number"`
	StoragePath     string    `json:"storage_path"`
	DurationSeconds float64   `json:"duration_seconds"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// ChunkTranscription caches the background transcription of a single chunk,
// unique on (session_id, chunk_number). A row with TranscribedAt unset or an
// ErrorMessage set is never treated as a cache hit.
type ChunkTranscription struct {
	ID              uuid.UUID      `json:"id"`
	SessionID       uuid.UUID      `json:"session_id"`
	ChunkNumber     int            `json:"chunk_number"`
	RawText         *string        `json:"raw_text,omitempty"`
	CorrectedText   *string        `json:"corrected_text,omitempty"`
	WordCounts      map[string]int `json:"word_counts,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	TranscribedAt   *time.Time     `json:"transcribed_at,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Cached reports whether this row holds a usable transcription.
func (ct *ChunkTranscription) Cached() bool {
	return ct.TranscribedAt != nil && ct.ErrorMessage == nil
}

// CacheStats summarizes cache state for one session.
type CacheStats struct {
	TotalChunks int     `json:"total_chunks"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	HitRate     float64 `json:"cache_hit_rate"`
}
