package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lahstats/internal/model"
	"lahstats/internal/words"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCacheRepo struct {
	mu      sync.Mutex
	entries map[string]*model.ChunkTranscription
	errors  map[string]string
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{
		entries: make(map[string]*model.ChunkTranscription),
		errors:  make(map[string]string),
	}
}

func cacheKey(sessionID uuid.UUID, chunkNumber int) string {
	return fmt.Sprintf("%s/%d", sessionID, chunkNumber)
}

func (f *fakeCacheRepo) GetCacheEntry(_ context.Context, sessionID uuid.UUID, chunkNumber int) (*model.ChunkTranscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[cacheKey(sessionID, chunkNumber)], nil
}

func (f *fakeCacheRepo) SaveCacheResult(_ context.Context, entry *model.ChunkTranscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[cacheKey(entry.SessionID, entry.ChunkNumber)] = entry
	return nil
}

func (f *fakeCacheRepo) SaveCacheError(_ context.Context, sessionID uuid.UUID, chunkNumber int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[cacheKey(sessionID, chunkNumber)] = errMsg
	return nil
}

func (f *fakeCacheRepo) ListCached(_ context.Context, sessionID uuid.UUID) (map[int]*model.ChunkTranscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]*model.ChunkTranscription)
	for _, e := range f.entries {
		if e.SessionID == sessionID && e.Cached() {
			out[e.ChunkNumber] = e
		}
	}
	return out, nil
}

func (f *fakeCacheRepo) CacheStats(_ context.Context, _ uuid.UUID) (*model.CacheStats, error) {
	return &model.CacheStats{}, nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPopulatorCachesResult(t *testing.T) {
	repo := newFakeCacheRepo()
	tr := &fakeTranscriber{text: "wa lao so sian la"}
	p := NewPopulator(repo, tr, words.NewDefaultProcessor(), t.TempDir(), 2)
	defer p.Close()

	sessionID := uuid.New()
	res := <-p.Submit(Request{
		SessionID:       sessionID,
		ChunkNumber:     1,
		Audio:           []byte("fake audio"),
		DurationSeconds: 30,
	})
	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)

	entry, err := repo.GetCacheEntry(context.Background(), sessionID, 1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.CorrectedText)
	assert.Equal(t, "walao so sian lah", *entry.CorrectedText)
	assert.Equal(t, map[string]int{"walao": 1, "sian": 1, "lah": 1}, entry.WordCounts)
	assert.NotNil(t, entry.TranscribedAt)
	assert.True(t, entry.Cached())
}

func TestPopulatorSkipsAlreadyTranscribed(t *testing.T) {
	repo := newFakeCacheRepo()
	sessionID := uuid.New()
	now := time.Now().UTC()
	text := "already here"
	repo.entries[cacheKey(sessionID, 1)] = &model.ChunkTranscription{
		SessionID:     sessionID,
		ChunkNumber:   1,
		CorrectedText: &text,
		TranscribedAt: &now,
	}

	tr := &fakeTranscriber{text: "should not be used"}
	p := NewPopulator(repo, tr, words.NewDefaultProcessor(), t.TempDir(), 1)
	defer p.Close()

	res := <-p.Submit(Request{SessionID: sessionID, ChunkNumber: 1, Audio: []byte("x")})
	require.NoError(t, res.Err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, tr.callCount())

	entry, _ := repo.GetCacheEntry(context.Background(), sessionID, 1)
	assert.Equal(t, "already here", *entry.CorrectedText)
}

func TestPopulatorRecordsError(t *testing.T) {
	repo := newFakeCacheRepo()
	tr := &fakeTranscriber{err: errors.New("whisper api error: " + strings.Repeat("x", 600))}
	p := NewPopulator(repo, tr, words.NewDefaultProcessor(), t.TempDir(), 1)
	defer p.Close()

	sessionID := uuid.New()
	res := <-p.Submit(Request{SessionID: sessionID, ChunkNumber: 2, Audio: []byte("x")})
	require.Error(t, res.Err)

	repo.mu.Lock()
	recorded := repo.errors[cacheKey(sessionID, 2)]
	repo.mu.Unlock()
	assert.NotEmpty(t, recorded)
	assert.LessOrEqual(t, len(recorded), 500)
}

func TestPopulatorRejectsAfterClose(t *testing.T) {
	repo := newFakeCacheRepo()
	p := NewPopulator(repo, &fakeTranscriber{text: "x"}, words.NewDefaultProcessor(), t.TempDir(), 1)
	p.Close()

	res := <-p.Submit(Request{SessionID: uuid.New(), ChunkNumber: 1, Audio: []byte("x")})
	assert.Error(t, res.Err)
}
