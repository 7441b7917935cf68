package cache

import (
	"testing"
	"time"

	"lahstats/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(number int, duration float64) model.AudioChunk {
	return model.AudioChunk{
		ID:              uuid.New(),
		SessionID:       uuid.New(),
		ChunkNumber:     number,
		StoragePath:     "chunks/test.wav",
		DurationSeconds: duration,
	}
}

func cachedEntry(number int, text string) *model.ChunkTranscription {
	now := time.Now().UTC()
	return &model.ChunkTranscription{
		ID:            uuid.New(),
		ChunkNumber:   number,
		CorrectedText: &text,
		TranscribedAt: &now,
	}
}

func TestTextForRangeFullCoverage(t *testing.T) {
	chunks := []model.AudioChunk{chunk(1, 30), chunk(2, 30)}
	cached := map[int]*model.ChunkTranscription{
		1: cachedEntry(1, "lah lah"),
		2: cachedEntry(2, "walao"),
	}

	r := NewReconciler(chunks, cached)

	text, ok := r.TextForRange(0, 58)
	require.True(t, ok)
	assert.Equal(t, "lah lah walao", text)
}

func TestTextForRangeCoverageBoundary(t *testing.T) {
	chunks := []model.AudioChunk{chunk(1, 10)}
	cached := map[int]*model.ChunkTranscription{1: cachedEntry(1, "can lah")}

	r := NewReconciler(chunks, cached)

	// 10s of a 12.5s segment is exactly the threshold.
	text, ok := r.TextForRange(0, 12.5)
	require.True(t, ok)
	assert.Equal(t, "can lah", text)

	// Just under the threshold misses.
	_, ok = r.TextForRange(0, 13)
	assert.False(t, ok)
}

func TestTextForRangeChunkOrder(t *testing.T) {
	// Chunks arrive out of order; the timeline and the concatenated text
	// must still follow chunk numbers.
	chunks := []model.AudioChunk{chunk(2, 30), chunk(1, 30), chunk(3, 30)}
	cached := map[int]*model.ChunkTranscription{
		1: cachedEntry(1, "first"),
		2: cachedEntry(2, "second"),
		3: cachedEntry(3, "third"),
	}

	r := NewReconciler(chunks, cached)

	text, ok := r.TextForRange(5, 85)
	require.True(t, ok)
	assert.Equal(t, "first second third", text)
}

func TestTextForRangeErrorRowNeverHits(t *testing.T) {
	chunks := []model.AudioChunk{chunk(1, 30)}
	errMsg := "whisper timeout"
	now := time.Now().UTC()
	text := "stale text"
	cached := map[int]*model.ChunkTranscription{
		1: {
			ChunkNumber:   1,
			CorrectedText: &text,
			TranscribedAt: &now,
			ErrorMessage:  &errMsg,
		},
	}

	r := NewReconciler(chunks, cached)

	_, ok := r.TextForRange(0, 30)
	assert.False(t, ok)
}

func TestTextForRangeMissingCacheEntry(t *testing.T) {
	chunks := []model.AudioChunk{chunk(1, 30), chunk(2, 30)}
	cached := map[int]*model.ChunkTranscription{1: cachedEntry(1, "only the first")}

	r := NewReconciler(chunks, cached)

	// A segment inside the cached chunk resolves normally.
	text, ok := r.TextForRange(0, 30)
	require.True(t, ok)
	assert.Equal(t, "only the first", text)

	// A segment entirely inside the uncached chunk misses despite full
	// timeline coverage.
	_, ok = r.TextForRange(31, 59)
	assert.False(t, ok)
}

func TestTextForRangeZeroDurationFallback(t *testing.T) {
	// Missing duration metadata assumes the standard 30s chunk length.
	chunks := []model.AudioChunk{chunk(1, 0)}
	cached := map[int]*model.ChunkTranscription{1: cachedEntry(1, "assumed")}

	r := NewReconciler(chunks, cached)

	text, ok := r.TextForRange(0, 30)
	require.True(t, ok)
	assert.Equal(t, "assumed", text)
}

func TestTextForRangeDegenerateInputs(t *testing.T) {
	r := NewReconciler(nil, nil)
	_, ok := r.TextForRange(0, 10)
	assert.False(t, ok)

	r = NewReconciler([]model.AudioChunk{chunk(1, 30)}, map[int]*model.ChunkTranscription{1: cachedEntry(1, "x")})
	_, ok = r.TextForRange(10, 10)
	assert.False(t, ok)
	_, ok = r.TextForRange(10, 5)
	assert.False(t, ok)
}
