package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lahstats/internal/model"
	"lahstats/internal/repository"
	"lahstats/internal/words"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory repository.Repository that records the order of
// state transitions so stage sequencing can be asserted.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	chunks   map[uuid.UUID][]model.AudioChunk
	cached   map[uuid.UUID]map[int]*model.ChunkTranscription
	speakers []*model.SessionSpeaker
	counts   map[uuid.UUID]map[string]int
	progress []int
	events   []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[uuid.UUID]*model.Session),
		chunks:   make(map[uuid.UUID][]model.AudioChunk),
		cached:   make(map[uuid.UUID]map[int]*model.ChunkTranscription),
		counts:   make(map[uuid.UUID]map[string]int),
	}
}

func (f *fakeRepo) event(name string) {
	f.events = append(f.events, name)
}

func (f *fakeRepo) CreateSession(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeRepo) MarkSessionEnded(_ context.Context, id uuid.UUID) error { return nil }

func (f *fakeRepo) StartProcessing(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Status = model.StatusProcessing
	s.Progress = 0
	s.ErrorMessage = nil
	f.event("start_processing")
	return nil
}

func (f *fakeRepo) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].Progress = progress
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeRepo) SetDuration(_ context.Context, id uuid.UUID, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].DurationSeconds = &seconds
	return nil
}

func (f *fakeRepo) SetAudioURL(_ context.Context, id uuid.UUID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].AudioURL = &url
	f.event("set_audio_url")
	return nil
}

func (f *fakeRepo) MarkReadyForClaiming(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Status = model.StatusReadyForClaiming
	s.Progress = 100
	f.event("ready_for_claiming")
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		f.event("mark_failed_unknown")
		return nil
	}
	s.Status = model.StatusFailed
	s.ErrorMessage = &errMsg
	f.event("mark_failed")
	return nil
}

func (f *fakeRepo) CreateChunk(_ context.Context, c *model.AudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[c.SessionID] = append(f.chunks[c.SessionID], *c)
	return nil
}

func (f *fakeRepo) ListChunks(_ context.Context, sessionID uuid.UUID) ([]model.AudioChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[sessionID], nil
}

func (f *fakeRepo) GetCacheEntry(_ context.Context, sessionID uuid.UUID, chunkNumber int) (*model.ChunkTranscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[sessionID][chunkNumber], nil
}

func (f *fakeRepo) SaveCacheResult(_ context.Context, entry *model.ChunkTranscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached[entry.SessionID] == nil {
		f.cached[entry.SessionID] = make(map[int]*model.ChunkTranscription)
	}
	f.cached[entry.SessionID][entry.ChunkNumber] = entry
	return nil
}

func (f *fakeRepo) SaveCacheError(_ context.Context, _ uuid.UUID, _ int, _ string) error {
	return nil
}

func (f *fakeRepo) ListCached(_ context.Context, sessionID uuid.UUID) (map[int]*model.ChunkTranscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]*model.ChunkTranscription)
	for n, e := range f.cached[sessionID] {
		if e.Cached() {
			out[n] = e
		}
	}
	return out, nil
}

func (f *fakeRepo) CacheStats(_ context.Context, sessionID uuid.UUID) (*model.CacheStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &model.CacheStats{}
	for _, e := range f.cached[sessionID] {
		stats.TotalChunks++
		if e.Cached() {
			stats.Successful++
		}
	}
	return stats, nil
}

func (f *fakeRepo) CreateSpeaker(_ context.Context, s *model.SessionSpeaker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speakers = append(f.speakers, s)
	return nil
}

func (f *fakeRepo) CreateWordCounts(_ context.Context, speakerID uuid.UUID, counts map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make(map[string]int, len(counts))
	for w, c := range counts {
		stored[w] = c
	}
	f.counts[speakerID] = stored
	return nil
}

func (f *fakeRepo) UpdateSpeakerSample(_ context.Context, speakerID uuid.UUID, sampleURL string, sampleStart, totalDuration float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.speakers {
		if s.ID == speakerID {
			s.SampleAudioURL = &sampleURL
			s.SampleStartTime = &sampleStart
			s.TotalDurationSeconds = &totalDuration
		}
	}
	return nil
}

func (f *fakeRepo) GetSpeaker(_ context.Context, id uuid.UUID) (*model.SessionSpeaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.speakers {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) ListSpeakers(_ context.Context, sessionID uuid.UUID) ([]model.SessionSpeaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.SessionSpeaker
	for _, s := range f.speakers {
		if s.SessionID == sessionID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListWordCounts(_ context.Context, speakerID uuid.UUID) ([]model.SpeakerWordCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.SpeakerWordCount
	for w, c := range f.counts[speakerID] {
		out = append(out, model.SpeakerWordCount{SessionSpeakerID: speakerID, Word: w, Count: c})
	}
	return out, nil
}

func (f *fakeRepo) ClaimSpeaker(_ context.Context, _ uuid.UUID, _ model.Claim) error { return nil }

func (f *fakeRepo) speakerByLabel(label string) *model.SessionSpeaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.speakers {
		if s.SpeakerLabel == label {
			return s
		}
	}
	return nil
}

// fakeStorage keeps uploaded objects in memory.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Upload(_ context.Context, path string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return path, nil
}

func (f *fakeStorage) Download(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", path)
	}
	return data, nil
}

func (f *fakeStorage) PublicURL(path string) string {
	return "http://localhost:8080/files/" + path
}

// fakeAudio simulates the ffmpeg operations. Extract encodes the requested
// range into the clip bytes so the transcriber fake can tell segments apart.
type fakeAudio struct {
	dir      string
	duration float64
}

func (f *fakeAudio) Concat(_ context.Context, inputs []string) (string, error) {
	out := filepath.Join(f.dir, fmt.Sprintf("concat-%d.wav", time.Now().UnixNano()))
	if err := os.WriteFile(out, []byte(fmt.Sprintf("joined:%d", len(inputs))), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeAudio) Extract(_ context.Context, _ string, start, end float64) ([]byte, error) {
	return []byte(rangeKey(start, end)), nil
}

func (f *fakeAudio) Duration(_ context.Context, _ string) (float64, error) {
	return f.duration, nil
}

func rangeKey(start, end float64) string {
	return fmt.Sprintf("%.2f-%.2f", start, end)
}

// rangeTranscriber maps extracted clip contents onto transcripts.
type rangeTranscriber struct {
	mu       sync.Mutex
	texts    map[string]string
	failures map[string]error
	calls    int
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (f *rangeTranscriber) Transcribe(_ context.Context, audioPath string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	clip, err := os.ReadFile(audioPath)
	if err != nil {
		return "", err
	}
	key := string(clip)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[key]; ok {
		return "", err
	}
	if text, ok := f.texts[key]; ok {
		return text, nil
	}
	return "", nil
}

func (f *rangeTranscriber) Name() string { return "fake" }

func (f *rangeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDiarizer struct {
	segments []model.SpeakerSegment
	err      error
}

func (f *fakeDiarizer) Diarize(_ context.Context, _ string) ([]model.SpeakerSegment, error) {
	return f.segments, f.err
}

type fixture struct {
	repo        *fakeRepo
	store       *fakeStorage
	diarizer    *fakeDiarizer
	transcriber *rangeTranscriber
	proc        *Processor
	sessionID   uuid.UUID
}

func newFixture(t *testing.T, diarizer *fakeDiarizer, transcriber *rangeTranscriber, opts Options) *fixture {
	t.Helper()

	repo := newFakeRepo()
	store := newFakeStorage()
	if opts.TmpDir == "" {
		opts.TmpDir = t.TempDir()
	}

	sessionID := uuid.New()
	repo.sessions[sessionID] = &model.Session{
		ID:        sessionID,
		StartedBy: uuid.New(),
		Status:    model.StatusRecording,
		StartedAt: time.Now().UTC(),
	}

	return &fixture{
		repo:        repo,
		store:       store,
		diarizer:    diarizer,
		transcriber: transcriber,
		proc: NewProcessor(
			repo, diarizer, transcriber, words.NewDefaultProcessor(),
			&fakeAudio{dir: opts.TmpDir, duration: 60},
			store, opts,
		),
		sessionID: sessionID,
	}
}

// addChunk stores chunk audio and its metadata row.
func (fx *fixture) addChunk(t *testing.T, number int, duration float64) {
	t.Helper()
	path := fmt.Sprintf("sessions/%s/chunk_%d.wav", fx.sessionID, number)
	_, err := fx.store.Upload(context.Background(), path, []byte(fmt.Sprintf("audio-%d", number)))
	require.NoError(t, err)
	require.NoError(t, fx.repo.CreateChunk(context.Background(), &model.AudioChunk{
		ID:              uuid.New(),
		SessionID:       fx.sessionID,
		ChunkNumber:     number,
		StoragePath:     path,
		DurationSeconds: duration,
	}))
}

func TestProcessSessionSuccess(t *testing.T) {
	segments := []model.SpeakerSegment{
		{SpeakerID: "spk_0", StartTime: 0, EndTime: 10},
		{SpeakerID: "spk_1", StartTime: 10, EndTime: 25},
		{SpeakerID: "spk_0", StartTime: 25, EndTime: 40},
	}
	transcriber := &rangeTranscriber{texts: map[string]string{
		rangeKey(0, 10):  "wa lao eh",
		rangeKey(10, 25): "can lah can",
		rangeKey(25, 40): "so sian la",
	}}
	fx := newFixture(t, &fakeDiarizer{segments: segments}, transcriber, Options{MaxConcurrent: 2})
	fx.addChunk(t, 1, 30)
	fx.addChunk(t, 2, 30)

	summary, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Speakers)
	assert.Equal(t, 3, summary.Segments)
	assert.Equal(t, 0, summary.FailedSegments)
	assert.Equal(t, map[string]int{"walao": 1, "sian": 1, "lah": 1}, summary.SpeakerWordCounts["spk_0"])
	assert.Equal(t, map[string]int{"can": 2, "lah": 1}, summary.SpeakerWordCounts["spk_1"])
	assert.Equal(t, 6, summary.TotalWords)

	session, err := fx.repo.GetSession(context.Background(), fx.sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReadyForClaiming, session.Status)
	assert.Equal(t, 100, session.Progress)
	require.NotNil(t, session.DurationSeconds)
	assert.Equal(t, 60, *session.DurationSeconds)
	require.NotNil(t, session.AudioURL)
	assert.Contains(t, *session.AudioURL, "full_audio.wav")

	// Persisted word counts match the summary.
	spk0 := fx.repo.speakerByLabel("spk_0")
	require.NotNil(t, spk0)
	assert.Equal(t, 2, spk0.SegmentCount)
	assert.Equal(t, summary.SpeakerWordCounts["spk_0"], fx.repo.counts[spk0.ID])

	spk1 := fx.repo.speakerByLabel("spk_1")
	require.NotNil(t, spk1)
	assert.Equal(t, 1, spk1.SegmentCount)

	// Sample clips were generated from longest segments.
	require.NotNil(t, spk0.SampleAudioURL)
	require.NotNil(t, spk0.SampleStartTime)
	assert.Equal(t, 25.0, *spk0.SampleStartTime)
	require.NotNil(t, spk0.TotalDurationSeconds)
	assert.InDelta(t, 25.0, *spk0.TotalDurationSeconds, 0.01)

	// Progress only moves forward.
	for i := 1; i < len(fx.repo.progress); i++ {
		assert.GreaterOrEqual(t, fx.repo.progress[i], fx.repo.progress[i-1],
			"progress went backwards at write %d: %v", i, fx.repo.progress)
	}

	// Full audio is attached before the terminal status flips.
	audioIdx, readyIdx := -1, -1
	for i, e := range fx.repo.events {
		switch e {
		case "set_audio_url":
			audioIdx = i
		case "ready_for_claiming":
			readyIdx = i
		}
	}
	require.GreaterOrEqual(t, audioIdx, 0)
	require.GreaterOrEqual(t, readyIdx, 0)
	assert.Less(t, audioIdx, readyIdx)
}

func TestProcessSessionZeroSegments(t *testing.T) {
	transcriber := &rangeTranscriber{}
	fx := newFixture(t, &fakeDiarizer{segments: nil}, transcriber, Options{})
	fx.addChunk(t, 1, 30)

	summary, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Speakers)
	assert.Equal(t, 0, summary.Segments)
	assert.Equal(t, 0, summary.TotalWords)
	assert.Equal(t, 0, transcriber.callCount())

	session, _ := fx.repo.GetSession(context.Background(), fx.sessionID)
	assert.Equal(t, model.StatusReadyForClaiming, session.Status)
	assert.Equal(t, 100, session.Progress)
	assert.Empty(t, fx.repo.speakers)
}

func TestProcessSessionDiarizationFailure(t *testing.T) {
	fx := newFixture(t, &fakeDiarizer{err: errors.New("diarization service unavailable")}, &rangeTranscriber{}, Options{})
	fx.addChunk(t, 1, 30)

	_, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diarization failed")

	session, _ := fx.repo.GetSession(context.Background(), fx.sessionID)
	assert.Equal(t, model.StatusFailed, session.Status)
	require.NotNil(t, session.ErrorMessage)
	assert.Contains(t, *session.ErrorMessage, "diarization service unavailable")
}

func TestProcessSessionNoChunks(t *testing.T) {
	fx := newFixture(t, &fakeDiarizer{}, &rangeTranscriber{}, Options{})

	_, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audio chunks")

	session, _ := fx.repo.GetSession(context.Background(), fx.sessionID)
	assert.Equal(t, model.StatusFailed, session.Status)
}

func TestProcessSessionUnknownSession(t *testing.T) {
	fx := newFixture(t, &fakeDiarizer{}, &rangeTranscriber{}, Options{})

	_, err := fx.proc.ProcessSession(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProcessSessionServesFromCache(t *testing.T) {
	// One 30s chunk, one segment fully inside it. The cached chunk text
	// must satisfy the segment without a transcription call.
	segments := []model.SpeakerSegment{
		{SpeakerID: "spk_0", StartTime: 0, EndTime: 28},
	}
	transcriber := &rangeTranscriber{}
	fx := newFixture(t, &fakeDiarizer{segments: segments}, transcriber, Options{})
	fx.addChunk(t, 1, 30)

	now := time.Now().UTC()
	cachedText := "walao lah lah"
	require.NoError(t, fx.repo.SaveCacheResult(context.Background(), &model.ChunkTranscription{
		ID:            uuid.New(),
		SessionID:     fx.sessionID,
		ChunkNumber:   1,
		CorrectedText: &cachedText,
		TranscribedAt: &now,
	}))

	summary, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.NoError(t, err)

	assert.Equal(t, 0, transcriber.callCount())
	assert.Equal(t, map[string]int{"walao": 1, "lah": 2}, summary.SpeakerWordCounts["spk_0"])
}

func TestProcessSessionPartialSegmentFailure(t *testing.T) {
	segments := []model.SpeakerSegment{
		{SpeakerID: "spk_0", StartTime: 0, EndTime: 10},
		{SpeakerID: "spk_0", StartTime: 10, EndTime: 20},
	}
	transcriber := &rangeTranscriber{
		texts:    map[string]string{rangeKey(0, 10): "shiok lah"},
		failures: map[string]error{rangeKey(10, 20): errors.New("whisper timeout")},
	}
	fx := newFixture(t, &fakeDiarizer{segments: segments}, transcriber, Options{})
	fx.addChunk(t, 1, 30)

	summary, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.NoError(t, err)

	// The failed segment is excluded, not fatal.
	assert.Equal(t, 1, summary.FailedSegments)
	assert.Equal(t, map[string]int{"shiok": 1, "lah": 1}, summary.SpeakerWordCounts["spk_0"])

	session, _ := fx.repo.GetSession(context.Background(), fx.sessionID)
	assert.Equal(t, model.StatusReadyForClaiming, session.Status)
}

func TestProcessSessionRosterKeepsSilentSpeakers(t *testing.T) {
	// spk_1's only segment fails and spk_2 produced no target words; both
	// still get speaker rows for claiming.
	segments := []model.SpeakerSegment{
		{SpeakerID: "spk_0", StartTime: 0, EndTime: 10},
		{SpeakerID: "spk_1", StartTime: 10, EndTime: 20},
		{SpeakerID: "spk_2", StartTime: 20, EndTime: 30},
	}
	transcriber := &rangeTranscriber{
		texts: map[string]string{
			rangeKey(0, 10):  "walao",
			rangeKey(20, 30): "nothing notable here",
		},
		failures: map[string]error{rangeKey(10, 20): errors.New("boom")},
	}
	fx := newFixture(t, &fakeDiarizer{segments: segments}, transcriber, Options{})
	fx.addChunk(t, 1, 30)

	summary, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Speakers)
	assert.Len(t, fx.repo.speakers, 3)
	assert.Empty(t, summary.SpeakerWordCounts["spk_1"])
	assert.Empty(t, summary.SpeakerWordCounts["spk_2"])

	spk1 := fx.repo.speakerByLabel("spk_1")
	require.NotNil(t, spk1)
	assert.Equal(t, 1, spk1.SegmentCount)
}

func TestTranscriptionConcurrencyCap(t *testing.T) {
	var segments []model.SpeakerSegment
	texts := make(map[string]string)
	for i := 0; i < 10; i++ {
		start, end := float64(i*5), float64(i*5+5)
		segments = append(segments, model.SpeakerSegment{SpeakerID: "spk_0", StartTime: start, EndTime: end})
		texts[rangeKey(start, end)] = "lah"
	}
	transcriber := &rangeTranscriber{texts: texts, delay: 20 * time.Millisecond}
	fx := newFixture(t, &fakeDiarizer{segments: segments}, transcriber, Options{MaxConcurrent: 3})
	fx.addChunk(t, 1, 60)

	summary, err := fx.proc.ProcessSession(context.Background(), fx.sessionID)
	require.NoError(t, err)

	assert.Equal(t, 10, transcriber.callCount())
	assert.LessOrEqual(t, transcriber.maxSeen, 3)
	assert.Equal(t, 10, summary.SpeakerWordCounts["spk_0"]["lah"])
}
