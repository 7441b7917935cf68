// Package pipeline orchestrates a session's processing run: chunk
// concatenation, speaker diarization, segment transcription with cache
// reconciliation, result persistence, and sample-clip generation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"lahstats/internal/asr"
	"lahstats/internal/model"
	"lahstats/internal/repository"
	"lahstats/internal/storage"
	"lahstats/internal/utils"
	"lahstats/internal/words"

	"github.com/google/uuid"
)

// sampleDuration is the target length of per-speaker sample clips.
const sampleDuration = 5.0

// progressStages maps each stage onto its slice of the 0-100 progress scale.
var progressStages = map[string][2]int{
	"concatenating":      {0, 10},
	"diarizing":          {10, 40},
	"transcribing":       {40, 85},
	"saving_results":     {85, 95},
	"generating_samples": {95, 100},
}

// ErrSessionNotFound is returned when the job references an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// AudioProcessor abstracts the ffmpeg operations the pipeline needs.
type AudioProcessor interface {
	Concat(ctx context.Context, inputs []string) (string, error)
	Extract(ctx context.Context, input string, start, end float64) ([]byte, error)
	Duration(ctx context.Context, input string) (float64, error)
}

// Summary reports the outcome of one processing run.
type Summary struct {
	Speakers          int                       `json:"speakers"`
	Segments          int                       `json:"segments"`
	TotalWords        int                       `json:"total_words"`
	FailedSegments    int                       `json:"failed_segments"`
	SpeakerWordCounts map[string]map[string]int `json:"speaker_word_counts"`
}

// Options tune the processor.
type Options struct {
	MaxConcurrent        int
	ChunkDownloadTimeout time.Duration
	TmpDir               string
}

// Processor runs the processing pipeline for one session at a time.
type Processor struct {
	repo        repository.Repository
	diarizer    asr.Diarizer
	transcriber asr.Transcriber
	words       *words.Processor
	audio       AudioProcessor
	store       storage.Storage
	opts        Options
}

// NewProcessor wires a Processor from its collaborators.
func NewProcessor(
	repo repository.Repository,
	diarizer asr.Diarizer,
	transcriber asr.Transcriber,
	proc *words.Processor,
	audio AudioProcessor,
	store storage.Storage,
	opts Options,
) *Processor {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 3
	}
	if opts.ChunkDownloadTimeout <= 0 {
		opts.ChunkDownloadTimeout = 60 * time.Second
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	return &Processor{
		repo:        repo,
		diarizer:    diarizer,
		transcriber: transcriber,
		words:       proc,
		audio:       audio,
		store:       store,
		opts:        opts,
	}
}

// ProcessSession runs the full pipeline. Stages execute strictly in order;
// a stage failure marks the session failed and aborts. A diarization result
// with zero segments is a valid outcome that short-circuits to
// ready_for_claiming.
func (p *Processor) ProcessSession(ctx context.Context, sessionID uuid.UUID) (*Summary, error) {
	var tempFiles []string
	defer func() {
		for _, f := range tempFiles {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				log.Printf("[Pipeline] Failed to clean up temp file %s: %v", f, err)
			}
		}
	}()

	summary, err := p.run(ctx, sessionID, &tempFiles)
	if err != nil {
		log.Printf("[Pipeline] Processing failed for session %s: %v", sessionID, err)
		if markErr := p.repo.MarkFailed(ctx, sessionID, utils.Truncate(err.Error(), 500)); markErr != nil {
			log.Printf("[Pipeline] Failed to record session failure: %v", markErr)
		}
		return nil, err
	}
	return summary, nil
}

func (p *Processor) run(ctx context.Context, sessionID uuid.UUID, tempFiles *[]string) (*Summary, error) {
	session, err := p.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}

	if err := p.repo.StartProcessing(ctx, session.ID); err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Starting processing for session %s", sessionID)

	// Stage 1: concatenate audio chunks
	p.setProgress(ctx, sessionID, "concatenating", 0)
	chunks, audioPath, duration, err := p.concatenateChunks(ctx, sessionID, tempFiles)
	if err != nil {
		return nil, err
	}
	if err := p.repo.SetDuration(ctx, sessionID, int(duration)); err != nil {
		return nil, err
	}
	p.setProgress(ctx, sessionID, "concatenating", 100)

	// Stage 2: run diarization
	p.setProgress(ctx, sessionID, "diarizing", 0)
	segments, err := p.diarizer.Diarize(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("diarization failed: %w", err)
	}
	log.Printf("[Pipeline] Diarization complete: %d segments, %d speakers",
		len(segments), len(speakerRoster(segments)))
	p.setProgress(ctx, sessionID, "diarizing", 100)

	if len(segments) == 0 {
		log.Printf("[Pipeline] No speakers detected in session %s", sessionID)
		if err := p.repo.MarkReadyForClaiming(ctx, sessionID); err != nil {
			return nil, err
		}
		return &Summary{SpeakerWordCounts: map[string]map[string]int{}}, nil
	}

	// Stage 3: transcribe segments and count words
	p.setProgress(ctx, sessionID, "transcribing", 0)
	speakerResults, failedSegments, err := p.transcribeAndCount(ctx, sessionID, audioPath, chunks, segments)
	if err != nil {
		return nil, err
	}
	p.setProgress(ctx, sessionID, "transcribing", 100)

	// Stage 4: save results
	p.setProgress(ctx, sessionID, "saving_results", 0)
	speakerRecords, err := p.saveSpeakerResults(ctx, sessionID, speakerResults, segments)
	if err != nil {
		return nil, err
	}
	p.setProgress(ctx, sessionID, "saving_results", 100)

	// Stage 5: generate sample clips
	p.setProgress(ctx, sessionID, "generating_samples", 0)
	p.generateSpeakerSamples(ctx, sessionID, audioPath, speakerRecords, segments)
	p.setProgress(ctx, sessionID, "generating_samples", 100)

	// Attach the processed full audio before the terminal status.
	fullAudio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read processed audio: %w", err)
	}
	storagePath, err := p.store.Upload(ctx, fmt.Sprintf("sessions/%s/full_audio.wav", sessionID), fullAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to upload processed audio: %w", err)
	}
	if err := p.repo.SetAudioURL(ctx, sessionID, p.store.PublicURL(storagePath)); err != nil {
		return nil, err
	}

	if err := p.repo.MarkReadyForClaiming(ctx, sessionID); err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Processing complete for session %s", sessionID)

	summary := &Summary{
		Speakers:          len(speakerResults),
		Segments:          len(segments),
		FailedSegments:    failedSegments,
		SpeakerWordCounts: speakerResults,
	}
	for _, counts := range speakerResults {
		for _, c := range counts {
			summary.TotalWords += c
		}
	}
	return summary, nil
}

// setProgress maps a stage-local percentage into the stage's sub-range and
// writes it. Progress writes are advisory; failures are logged, not fatal.
func (p *Processor) setProgress(ctx context.Context, sessionID uuid.UUID, stage string, stagePct int) {
	bounds, ok := progressStages[stage]
	if !ok {
		bounds = [2]int{0, 100}
	}
	overall := bounds[0] + (bounds[1]-bounds[0])*stagePct/100
	if err := p.repo.UpdateProgress(ctx, sessionID, overall); err != nil {
		log.Printf("[Pipeline] Failed to update progress for session %s: %v", sessionID, err)
	}
}

// concatenateChunks downloads every chunk in order and joins them into one
// mono 16kHz WAV. Returns the chunk rows, the joined file path, and its
// duration in seconds.
func (p *Processor) concatenateChunks(ctx context.Context, sessionID uuid.UUID, tempFiles *[]string) ([]model.AudioChunk, string, float64, error) {
	chunks, err := p.repo.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, "", 0, err
	}
	if len(chunks) == 0 {
		return nil, "", 0, fmt.Errorf("no audio chunks found for session %s", sessionID)
	}
	log.Printf("[Pipeline] Found %d chunks to concatenate", len(chunks))

	var inputs []string
	for _, chunk := range chunks {
		dlCtx, cancel := context.WithTimeout(ctx, p.opts.ChunkDownloadTimeout)
		data, err := p.store.Download(dlCtx, chunk.StoragePath)
		cancel()
		if err != nil {
			return nil, "", 0, fmt.Errorf("failed to download chunk %d: %w", chunk.ChunkNumber, err)
		}

		tmp, err := os.CreateTemp(p.opts.TmpDir, fmt.Sprintf("chunk-%d-*%s", chunk.ChunkNumber, chunkExt(chunk.StoragePath)))
		if err != nil {
			return nil, "", 0, fmt.Errorf("failed to create temp file: %w", err)
		}
		*tempFiles = append(*tempFiles, tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return nil, "", 0, fmt.Errorf("failed to write chunk %d: %w", chunk.ChunkNumber, err)
		}
		tmp.Close()
		inputs = append(inputs, tmp.Name())
	}

	audioPath, err := p.audio.Concat(ctx, inputs)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to concatenate chunks: %w", err)
	}
	*tempFiles = append(*tempFiles, audioPath)

	duration, err := p.audio.Duration(ctx, audioPath)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to probe concatenated audio: %w", err)
	}
	log.Printf("[Pipeline] Concatenated audio: %.1fs", duration)

	return chunks, audioPath, duration, nil
}

func chunkExt(storagePath string) string {
	if ext := filepath.Ext(storagePath); ext != "" {
		return ext
	}
	return ".wav"
}

// saveSpeakerResults persists one SessionSpeaker per detected speaker plus
// its word counts. The roster comes from the diarization output, so a
// speaker with zero counted words still gets a row.
func (p *Processor) saveSpeakerResults(
	ctx context.Context,
	sessionID uuid.UUID,
	speakerResults map[string]map[string]int,
	segments []model.SpeakerSegment,
) (map[string]*model.SessionSpeaker, error) {
	segmentCounts := make(map[string]int)
	for _, seg := range segments {
		segmentCounts[seg.SpeakerID]++
	}

	labels := make([]string, 0, len(speakerResults))
	for label := range speakerResults {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	records := make(map[string]*model.SessionSpeaker, len(labels))
	for _, label := range labels {
		speaker := &model.SessionSpeaker{
			ID:           uuid.New(),
			SessionID:    sessionID,
			SpeakerLabel: label,
			SegmentCount: segmentCounts[label],
			CreatedAt:    time.Now().UTC(),
		}
		if err := p.repo.CreateSpeaker(ctx, speaker); err != nil {
			return nil, fmt.Errorf("failed to save speaker %s: %w", label, err)
		}

		counts := speakerResults[label]
		if err := p.repo.CreateWordCounts(ctx, speaker.ID, counts); err != nil {
			return nil, fmt.Errorf("failed to save word counts for %s: %w", label, err)
		}
		records[label] = speaker

		totalWords := 0
		for _, c := range counts {
			totalWords += c
		}
		log.Printf("[Pipeline] Saved speaker %s: %d segments, %d total words", label, speaker.SegmentCount, totalWords)
	}
	return records, nil
}

// generateSpeakerSamples uploads a representative clip per speaker, cut from
// the start of that speaker's longest segment. Failures here are logged and
// skipped; samples are cosmetic.
func (p *Processor) generateSpeakerSamples(
	ctx context.Context,
	sessionID uuid.UUID,
	audioPath string,
	speakerRecords map[string]*model.SessionSpeaker,
	segments []model.SpeakerSegment,
) {
	bySpeaker := make(map[string][]model.SpeakerSegment)
	for _, seg := range segments {
		bySpeaker[seg.SpeakerID] = append(bySpeaker[seg.SpeakerID], seg)
	}

	for label, speaker := range speakerRecords {
		segs := bySpeaker[label]
		if len(segs) == 0 {
			continue
		}

		best := segs[0]
		totalDuration := 0.0
		for _, s := range segs {
			totalDuration += s.Duration()
			if s.Duration() > best.Duration() {
				best = s
			}
		}

		sampleEnd := best.StartTime + sampleDuration
		if sampleEnd > best.EndTime {
			sampleEnd = best.EndTime
		}

		clip, err := p.audio.Extract(ctx, audioPath, best.StartTime, sampleEnd)
		if err != nil {
			log.Printf("[Pipeline] Failed to extract sample for %s: %v", label, err)
			continue
		}

		objectPath := fmt.Sprintf("sessions/%s/speaker_%s_sample.wav", sessionID, label)
		storagePath, err := p.store.Upload(ctx, objectPath, clip)
		if err != nil {
			log.Printf("[Pipeline] Failed to upload sample for %s: %v", label, err)
			continue
		}

		if err := p.repo.UpdateSpeakerSample(ctx, speaker.ID, p.store.PublicURL(storagePath), best.StartTime, totalDuration); err != nil {
			log.Printf("[Pipeline] Failed to record sample for %s: %v", label, err)
			continue
		}
		log.Printf("[Pipeline] Generated sample for %s: %.1fs - %.1fs", label, best.StartTime, sampleEnd)
	}
}

// speakerRoster returns the distinct speaker ids across segments.
func speakerRoster(segments []model.SpeakerSegment) map[string]bool {
	roster := make(map[string]bool)
	for _, seg := range segments {
		roster[seg.SpeakerID] = true
	}
	return roster
}
