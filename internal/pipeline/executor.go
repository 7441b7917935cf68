package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"lahstats/internal/cache"
	"lahstats/internal/model"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// segmentResult is the explicit per-segment outcome. A failed segment is
// recorded, not retried, and never aborts the batch.
type segmentResult struct {
	speakerID string
	counts    map[string]int
	cached    bool
	err       error
}

// transcribeAndCount resolves every diarized segment to word counts, serving
// segments from the chunk cache where coverage allows and fanning the rest
// out to the transcription backend under a fixed concurrency cap. Results
// merge commutatively by speaker id. The returned map contains every speaker
// in the diarization output, including those with no counted words.
func (p *Processor) transcribeAndCount(
	ctx context.Context,
	sessionID uuid.UUID,
	audioPath string,
	chunks []model.AudioChunk,
	segments []model.SpeakerSegment,
) (map[string]map[string]int, int, error) {
	cached, err := p.repo.ListCached(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if stats, err := p.repo.CacheStats(ctx, sessionID); err == nil {
		log.Printf("[Pipeline] Chunk cache for session %s: %d/%d transcribed, %d failed",
			sessionID, stats.Successful, stats.TotalChunks, stats.Failed)
	}

	reconciler := cache.NewReconciler(chunks, cached)
	results := make([]segmentResult, len(segments))
	var uncached []int

	for i, seg := range segments {
		if text, ok := reconciler.TextForRange(seg.StartTime, seg.EndTime); ok {
			results[i] = segmentResult{
				speakerID: seg.SpeakerID,
				counts:    p.words.CountTargetWords(text),
				cached:    true,
			}
			continue
		}
		results[i] = segmentResult{speakerID: seg.SpeakerID}
		uncached = append(uncached, i)
	}

	total := len(segments)
	completed := total - len(uncached)
	log.Printf("[Pipeline] Transcribing %d/%d segments (%d served from cache)", len(uncached), total, completed)
	p.setProgress(ctx, sessionID, "transcribing", completed*100/total)

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(p.opts.MaxConcurrent)

	for _, idx := range uncached {
		idx := idx
		seg := segments[idx]
		g.Go(func() error {
			counts, err := p.transcribeSegment(ctx, audioPath, seg)

			mu.Lock()
			results[idx].counts = counts
			results[idx].err = err
			completed++
			pct := completed * 100 / total
			mu.Unlock()

			if err != nil {
				log.Printf("[Pipeline] Failed to transcribe segment %d (%s): %v", idx+1, seg.SpeakerID, err)
			}
			p.setProgress(ctx, sessionID, "transcribing", pct)
			return nil
		})
	}
	// Tasks absorb their own errors; Wait only synchronizes.
	_ = g.Wait()

	// Merge by speaker. Every diarized speaker gets an entry so the roster
	// is complete even when all of a speaker's segments failed.
	merged := make(map[string]map[string]int)
	failed := 0
	for _, seg := range segments {
		if merged[seg.SpeakerID] == nil {
			merged[seg.SpeakerID] = make(map[string]int)
		}
	}
	for _, res := range results {
		if res.err != nil {
			failed++
			continue
		}
		for word, count := range res.counts {
			merged[res.speakerID][word] += count
		}
	}
	if failed > 0 {
		log.Printf("[Pipeline] Batch report: %d/%d segments failed and were excluded", failed, total)
	}

	return merged, failed, nil
}

// transcribeSegment extracts one segment's audio and runs it through the
// transcription backend, corrections, and target-word counting.
func (p *Processor) transcribeSegment(ctx context.Context, audioPath string, seg model.SpeakerSegment) (map[string]int, error) {
	clip, err := p.audio.Extract(ctx, audioPath, seg.StartTime, seg.EndTime)
	if err != nil {
		return nil, fmt.Errorf("failed to extract segment audio: %w", err)
	}

	tmp, err := os.CreateTemp(p.opts.TmpDir, "segment-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(clip); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write segment audio: %w", err)
	}
	tmp.Close()

	rawText, err := p.transcriber.Transcribe(ctx, tmpPath)
	if err != nil {
		return nil, err
	}

	corrected := p.words.ApplyCorrections(rawText)
	return p.words.CountTargetWords(corrected), nil
}
