// Package worker runs the job dispatch loop: it pops processing jobs from
// the queue, drives the pipeline, retries failures with backoff, and
// dead-letters jobs that exhaust their retries.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"lahstats/internal/model"
	"lahstats/internal/pipeline"
	"lahstats/internal/queue"
	"lahstats/internal/repository"
	"lahstats/internal/utils"

	"github.com/google/uuid"
)

// reconnectDelay is the fixed pause after a broker error before polling resumes.
const reconnectDelay = 5 * time.Second

// Pipeline is the processing entry point the worker drives.
type Pipeline interface {
	ProcessSession(ctx context.Context, sessionID uuid.UUID) (*pipeline.Summary, error)
}

// Queue is the broker surface the worker needs.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	DeadLetter(ctx context.Context, payload string) error
	AcquireLease(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error
	ReleaseLease(ctx context.Context, sessionID uuid.UUID) error
}

// Options tune the worker loop.
type Options struct {
	MaxRetries     int
	RetryDelayBase time.Duration
	PollTimeout    time.Duration
	LeaseTTL       time.Duration
}

// Worker processes one job at a time.
type Worker struct {
	queue    Queue
	sessions repository.Sessions
	pipeline Pipeline
	opts     Options

	// sleep is swappable so retry timing is testable.
	sleep func(time.Duration)

	processed int
	succeeded int
	failed    int
}

// New creates a worker with defaults applied.
func New(q Queue, sessions repository.Sessions, pipe Pipeline, opts Options) *Worker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = 5 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 1 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Minute
	}
	return &Worker{
		queue:    q,
		sessions: sessions,
		pipeline: pipe,
		opts:     opts,
		sleep:    time.Sleep,
	}
}

// Run polls for jobs until ctx is cancelled. The poll timeout is short so
// shutdown is noticed quickly, but an in-flight job always runs to
// completion: processing uses a background context, not the loop context.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[Worker] Listening on %s (max retries: %d, delays: %v/%v/%v)",
		queue.ProcessingQueue, w.opts.MaxRetries,
		w.opts.RetryDelayBase, 2*w.opts.RetryDelayBase, 4*w.opts.RetryDelayBase)

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.logShutdown(start)
			return
		default:
		}

		payload, err := w.queue.Dequeue(ctx, w.opts.PollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.logShutdown(start)
				return
			}
			log.Printf("[Worker] Broker error: %v, retrying in %v", err, reconnectDelay)
			w.sleep(reconnectDelay)
			continue
		}

		w.processed++
		w.handle(payload)
		log.Printf("[Worker] Stats: %d succeeded, %d failed, %d total", w.succeeded, w.failed, w.processed)
	}
}

// handle runs one raw payload to a terminal outcome. Processing itself is
// never cancelled mid-job.
func (w *Worker) handle(payload string) {
	ctx := context.Background()

	job, err := queue.DecodeJob(payload)
	if err != nil {
		// Undecodable payloads bypass retry entirely.
		log.Printf("[Worker] Malformed job payload: %v", err)
		w.deadLetter(ctx, payload)
		w.failed++
		return
	}

	if err := w.queue.AcquireLease(ctx, job.SessionID, w.opts.LeaseTTL); err != nil {
		if errors.Is(err, queue.ErrLeaseHeld) {
			// Another worker owns this session; dropping the duplicate keeps
			// the at-most-one-run-per-session invariant.
			log.Printf("[Worker] Session %s already being processed elsewhere, skipping job", job.SessionID)
			return
		}
		log.Printf("[Worker] Lease acquisition failed for session %s: %v (continuing without lease)", job.SessionID, err)
	} else {
		defer func() {
			if err := w.queue.ReleaseLease(ctx, job.SessionID); err != nil {
				log.Printf("[Worker] Failed to release lease for session %s: %v", job.SessionID, err)
			}
		}()
	}

	if w.processJob(ctx, job) {
		w.succeeded++
		return
	}
	w.deadLetter(ctx, payload)
	w.failed++
}

// processJob invokes the pipeline with retry and exponential backoff. After
// the retries are exhausted the session is marked failed with a truncated
// error and the job is reported as permanently failed.
func (w *Worker) processJob(ctx context.Context, job model.Job) bool {
	attempts := w.opts.MaxRetries + 1
	var lastErr error

	log.Printf("[Worker] Processing session %s (queued at %s)", job.SessionID, job.QueuedAt.Format(time.RFC3339))

	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		summary, err := w.pipeline.ProcessSession(ctx, job.SessionID)
		if err == nil {
			log.Printf("[Worker] Session %s completed in %v: %d speakers, %d segments, %d words",
				job.SessionID, time.Since(start).Round(time.Millisecond),
				summary.Speakers, summary.Segments, summary.TotalWords)
			return true
		}

		lastErr = err
		log.Printf("[Worker] Attempt %d/%d failed for session %s: %v", attempt, attempts, job.SessionID, err)

		if attempt < attempts {
			delay := w.opts.RetryDelayBase * (1 << (attempt - 1))
			log.Printf("[Worker] Retrying in %v", delay)
			w.sleep(delay)
		}
	}

	log.Printf("[Worker] Job failed permanently after %d attempts: session %s: %v", attempts, job.SessionID, lastErr)
	if err := w.sessions.MarkFailed(ctx, job.SessionID, utils.Truncate(lastErr.Error(), 500)); err != nil {
		log.Printf("[Worker] Failed to mark session %s failed: %v", job.SessionID, err)
	}
	return false
}

func (w *Worker) deadLetter(ctx context.Context, payload string) {
	if err := w.queue.DeadLetter(ctx, payload); err != nil {
		log.Printf("[Worker] Failed to dead-letter job: %v", err)
		return
	}
	log.Printf("[Worker] Job moved to %s", queue.FailedQueue)
}

func (w *Worker) logShutdown(start time.Time) {
	log.Printf("[Worker] Shutdown complete: %d jobs, %d succeeded, %d failed, uptime %v",
		w.processed, w.succeeded, w.failed, time.Since(start).Round(time.Second))
}
