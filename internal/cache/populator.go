package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"lahstats/internal/asr"
	"lahstats/internal/model"
	"lahstats/internal/repository"
	"lahstats/internal/utils"
	"lahstats/internal/words"

	"github.com/google/uuid"
)

// Request asks for one chunk to be transcribed and cached.
type Request struct {
	SessionID       uuid.UUID
	ChunkNumber     int
	Audio           []byte
	DurationSeconds float64
}

// Result reports the outcome of a population request.
type Result struct {
	SessionID   uuid.UUID
	ChunkNumber int
	Skipped     bool
	Err         error
}

type popJob struct {
	req  Request
	done chan Result
}

// Populator transcribes uploaded chunks in the background through a fixed
// pool of workers. Errors are recorded on the cache row and reported on the
// per-request result channel; they never propagate to the uploader.
type Populator struct {
	repo        repository.TranscriptionCache
	transcriber asr.Transcriber
	proc        *words.Processor
	tmpDir      string

	jobs    chan popJob
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewPopulator starts poolSize background workers.
func NewPopulator(repo repository.TranscriptionCache, transcriber asr.Transcriber, proc *words.Processor, tmpDir string, poolSize int) *Populator {
	if poolSize < 1 {
		poolSize = 1
	}
	p := &Populator{
		repo:        repo,
		transcriber: transcriber,
		proc:        proc,
		tmpDir:      tmpDir,
		jobs:        make(chan popJob, poolSize*4),
	}
	for i := 0; i < poolSize; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a chunk for background transcription and returns a channel
// that receives the single Result. Callers may drop the channel; the work
// still happens.
func (p *Populator) Submit(req Request) <-chan Result {
	done := make(chan Result, 1)
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		done <- Result{SessionID: req.SessionID, ChunkNumber: req.ChunkNumber, Err: fmt.Errorf("populator closed")}
		return done
	}
	p.jobs <- popJob{req: req, done: done}
	p.closeMu.Unlock()
	return done
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (p *Populator) Close() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}

func (p *Populator) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		res := p.populate(context.Background(), job.req)
		if res.Err != nil {
			log.Printf("[Cache] Background transcription failed for chunk %d of session %s: %v",
				job.req.ChunkNumber, job.req.SessionID, res.Err)
		}
		job.done <- res
	}
}

// populate transcribes one chunk and caches the result. Population is
// idempotent: an existing row with transcribed_at set is left untouched.
func (p *Populator) populate(ctx context.Context, req Request) Result {
	res := Result{SessionID: req.SessionID, ChunkNumber: req.ChunkNumber}

	existing, err := p.repo.GetCacheEntry(ctx, req.SessionID, req.ChunkNumber)
	if err != nil {
		res.Err = fmt.Errorf("cache lookup failed: %w", err)
		return res
	}
	if existing != nil && existing.TranscribedAt != nil {
		log.Printf("[Cache] Chunk %d of session %s already transcribed, skipping", req.ChunkNumber, req.SessionID)
		res.Skipped = true
		return res
	}

	tmp, err := os.CreateTemp(p.tmpDir, "chunk-*.wav")
	if err != nil {
		res.Err = p.recordError(ctx, req, fmt.Errorf("failed to create temp file: %w", err))
		return res
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(req.Audio); err != nil {
		tmp.Close()
		res.Err = p.recordError(ctx, req, fmt.Errorf("failed to write temp file: %w", err))
		return res
	}
	tmp.Close()

	rawText, err := p.transcriber.Transcribe(ctx, tmpPath)
	if err != nil {
		res.Err = p.recordError(ctx, req, err)
		return res
	}

	correctedText := p.proc.ApplyCorrections(rawText)
	wordCounts := p.proc.CountTargetWords(correctedText)

	now := time.Now().UTC()
	duration := req.DurationSeconds
	entry := &model.ChunkTranscription{
		ID:              uuid.New(),
		SessionID:       req.SessionID,
		ChunkNumber:     req.ChunkNumber,
		RawText:         &rawText,
		CorrectedText:   &correctedText,
		WordCounts:      wordCounts,
		DurationSeconds: &duration,
		TranscribedAt:   &now,
		CreatedAt:       now,
	}
	if err := p.repo.SaveCacheResult(ctx, entry); err != nil {
		res.Err = fmt.Errorf("failed to cache transcription: %w", err)
		return res
	}

	log.Printf("[Cache] Cached transcription for chunk %d of session %s: %d chars, %d target words",
		req.ChunkNumber, req.SessionID, len(correctedText), total(wordCounts))
	return res
}

// recordError writes the failure onto the cache row and returns the original error.
func (p *Populator) recordError(ctx context.Context, req Request, cause error) error {
	if err := p.repo.SaveCacheError(ctx, req.SessionID, req.ChunkNumber, utils.Truncate(cause.Error(), 500)); err != nil {
		log.Printf("[Cache] Failed to record cache error for chunk %d: %v", req.ChunkNumber, err)
	}
	return cause
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
