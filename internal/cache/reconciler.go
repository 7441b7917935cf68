// Package cache holds the chunk-transcription cache: background population
// as chunks arrive, and reconciliation of diarized segments against cached
// chunk text during full-session processing.
package cache

import (
	"sort"
	"strings"

	"lahstats/internal/model"
)

// CoverageThreshold is the minimum fraction of a segment's duration that
// must be spanned by the chunk timeline for cached text to substitute for a
// fresh transcription call. Exactly 0.8 is a hit.
const CoverageThreshold = 0.8

type chunkInterval struct {
	number int
	start  float64
	end    float64
}

// Reconciler maps diarized time segments onto the session's chunk timeline.
// Chunk boundaries rarely line up with diarized segments, so cached text is
// used only when the timeline covers enough of the segment.
type Reconciler struct {
	intervals []chunkInterval
	cached    map[int]*model.ChunkTranscription
}

// NewReconciler builds the chunk timeline from the recorded chunk durations,
// ordered by chunk number. cached holds successful transcriptions keyed by
// chunk number.
func NewReconciler(chunks []model.AudioChunk, cached map[int]*model.ChunkTranscription) *Reconciler {
	sorted := make([]model.AudioChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkNumber < sorted[j].ChunkNumber
	})

	r := &Reconciler{cached: cached}
	current := 0.0
	for _, c := range sorted {
		duration := c.DurationSeconds
		if duration <= 0 {
			// Metadata gap; assume the standard chunk length.
			duration = 30.0
		}
		r.intervals = append(r.intervals, chunkInterval{
			number: c.ChunkNumber,
			start:  current,
			end:    current + duration,
		})
		current += duration
	}
	return r
}

// TextForRange returns the cached corrected text covering [start, end) and
// true, or ("", false) when the segment must be transcribed directly. Text
// from overlapping chunks is concatenated in chunk order.
func (r *Reconciler) TextForRange(start, end float64) (string, bool) {
	segmentDuration := end - start
	if segmentDuration <= 0 || len(r.intervals) == 0 {
		return "", false
	}

	covered := 0.0
	var parts []string

	for _, iv := range r.intervals {
		overlapStart := max(iv.start, start)
		overlapEnd := min(iv.end, end)
		if overlapStart >= overlapEnd {
			continue
		}
		covered += overlapEnd - overlapStart

		ct, ok := r.cached[iv.number]
		if !ok || !ct.Cached() {
			continue
		}
		if ct.CorrectedText != nil && *ct.CorrectedText != "" {
			parts = append(parts, *ct.CorrectedText)
		}
	}

	if covered/segmentDuration < CoverageThreshold {
		return "", false
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}
