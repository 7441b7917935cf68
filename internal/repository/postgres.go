package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lahstats/internal/model"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned when claiming a speaker that was claimed before.
var ErrAlreadyClaimed = errors.New("speaker already claimed")

type postgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepository{db: db}
}

// ---------------------------------------------------------------------------
// Sessions

func (r *postgresRepository) CreateSession(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (id, group_id, started_by, status, progress, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.GroupID, s.StartedBy, s.Status, s.Progress, s.StartedAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	query := `
		SELECT id, group_id, started_by, status, progress, audio_url,
		       duration_seconds, error_message, started_at, ended_at, created_at
		FROM sessions
		WHERE id = $1
	`
	var s model.Session
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.GroupID, &s.StartedBy, &s.Status, &s.Progress, &s.AudioURL,
		&s.DurationSeconds, &s.ErrorMessage, &s.StartedAt, &s.EndedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

func (r *postgresRepository) MarkSessionEnded(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET ended_at = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}
	return nil
}

func (r *postgresRepository) StartProcessing(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET status = $1, progress = 0, error_message = NULL WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, model.StatusProcessing, id); err != nil {
		return fmt.Errorf("failed to start processing: %w", err)
	}
	return nil
}

func (r *postgresRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	query := `UPDATE sessions SET progress = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, progress, id); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (r *postgresRepository) SetDuration(ctx context.Context, id uuid.UUID, seconds int) error {
	query := `UPDATE sessions SET duration_seconds = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, seconds, id); err != nil {
		return fmt.Errorf("failed to set duration: %w", err)
	}
	return nil
}

func (r *postgresRepository) SetAudioURL(ctx context.Context, id uuid.UUID, url string) error {
	query := `UPDATE sessions SET audio_url = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, url, id); err != nil {
		return fmt.Errorf("failed to set audio url: %w", err)
	}
	return nil
}

func (r *postgresRepository) MarkReadyForClaiming(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET status = $1, progress = 100 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, model.StatusReadyForClaiming, id); err != nil {
		return fmt.Errorf("failed to mark session ready: %w", err)
	}
	return nil
}

func (r *postgresRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `UPDATE sessions SET status = $1, error_message = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, model.StatusFailed, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chunks

func (r *postgresRepository) CreateChunk(ctx context.Context, c *model.AudioChunk) error {
	query := `
		INSERT INTO audio_chunks (id, session_id, chunk_number, storage_path, duration_seconds, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.SessionID, c.ChunkNumber, c.StoragePath, c.DurationSeconds, c.UploadedAt)
	if err != nil {
		return fmt.Errorf("failed to create chunk: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]model.AudioChunk, error) {
	query := `
		SELECT id, session_id, chunk_number, storage_path, duration_seconds, uploaded_at
		FROM audio_chunks
		WHERE session_id = $1
		ORDER BY chunk_number
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.AudioChunk
	for rows.Next() {
		var c model.AudioChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ChunkNumber, &c.StoragePath, &c.DurationSeconds, &c.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// ---------------------------------------------------------------------------
// Transcription cache

func (r *postgresRepository) GetCacheEntry(ctx context.Context, sessionID uuid.UUID, chunkNumber int) (*model.ChunkTranscription, error) {
	query := `
		SELECT id, session_id, chunk_number, raw_text, corrected_text, word_counts,
		       duration_seconds, transcribed_at, error_message, created_at
		FROM chunk_transcriptions
		WHERE session_id = $1 AND chunk_number = $2
	`
	ct, err := scanCacheRow(r.db.QueryRowContext(ctx, query, sessionID, chunkNumber))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return ct, nil
}

func (r *postgresRepository) SaveCacheResult(ctx context.Context, entry *model.ChunkTranscription) error {
	countsJSON, err := json.Marshal(entry.WordCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal word counts: %w", err)
	}

	query := `
		INSERT INTO chunk_transcriptions (
			id, session_id, chunk_number, raw_text, corrected_text, word_counts,
			duration_seconds, transcribed_at, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, NULL, $9)
		ON CONFLICT (session_id, chunk_number) DO UPDATE SET
			raw_text = EXCLUDED.raw_text,
			corrected_text = EXCLUDED.corrected_text,
			word_counts = EXCLUDED.word_counts,
			duration_seconds = EXCLUDED.duration_seconds,
			transcribed_at = EXCLUDED.transcribed_at,
			error_message = NULL
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.SessionID, entry.ChunkNumber, entry.RawText, entry.CorrectedText,
		countsJSON, entry.DurationSeconds, entry.TranscribedAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cache result: %w", err)
	}
	return nil
}

func (r *postgresRepository) SaveCacheError(ctx context.Context, sessionID uuid.UUID, chunkNumber int, errMsg string) error {
	query := `
		INSERT INTO chunk_transcriptions (id, session_id, chunk_number, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, chunk_number) DO UPDATE SET
			error_message = EXCLUDED.error_message
	`
	_, err := r.db.ExecContext(ctx, query, uuid.New(), sessionID, chunkNumber, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save cache error: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListCached(ctx context.Context, sessionID uuid.UUID) (map[int]*model.ChunkTranscription, error) {
	query := `
		SELECT id, session_id, chunk_number, raw_text, corrected_text, word_counts,
		       duration_seconds, transcribed_at, error_message, created_at
		FROM chunk_transcriptions
		WHERE session_id = $1 AND transcribed_at IS NOT NULL
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached transcriptions: %w", err)
	}
	defer rows.Close()

	cached := make(map[int]*model.ChunkTranscription)
	for rows.Next() {
		ct, err := scanCacheRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		cached[ct.ChunkNumber] = ct
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache rows: %w", err)
	}
	return cached, nil
}

func (r *postgresRepository) CacheStats(ctx context.Context, sessionID uuid.UUID) (*model.CacheStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE transcribed_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE error_message IS NOT NULL)
		FROM chunk_transcriptions
		WHERE session_id = $1
	`
	var stats model.CacheStats
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&stats.TotalChunks, &stats.Successful, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache stats: %w", err)
	}
	stats.Pending = stats.TotalChunks - stats.Successful - stats.Failed
	if stats.TotalChunks > 0 {
		stats.HitRate = float64(stats.Successful) / float64(stats.TotalChunks)
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCacheRow(row rowScanner) (*model.ChunkTranscription, error) {
	var ct model.ChunkTranscription
	var countsJSON []byte
	err := row.Scan(
		&ct.ID, &ct.SessionID, &ct.ChunkNumber, &ct.RawText, &ct.CorrectedText,
		&countsJSON, &ct.DurationSeconds, &ct.TranscribedAt, &ct.ErrorMessage, &ct.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &ct.WordCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal word counts: %w", err)
		}
	}
	return &ct, nil
}

// ---------------------------------------------------------------------------
// Speakers

func (r *postgresRepository) CreateSpeaker(ctx context.Context, s *model.SessionSpeaker) error {
	query := `
		INSERT INTO session_speakers (id, session_id, speaker_label, segment_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, s.ID, s.SessionID, s.SpeakerLabel, s.SegmentCount, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create speaker: %w", err)
	}
	return nil
}

func (r *postgresRepository) CreateWordCounts(ctx context.Context, speakerID uuid.UUID, counts map[string]int) error {
	query := `INSERT INTO speaker_word_counts (session_speaker_id, word, count) VALUES ($1, $2, $3)`
	for word, count := range counts {
		if count == 0 {
			continue
		}
		if _, err := r.db.ExecContext(ctx, query, speakerID, word, count); err != nil {
			return fmt.Errorf("failed to insert word count %q: %w", word, err)
		}
	}
	return nil
}

func (r *postgresRepository) UpdateSpeakerSample(ctx context.Context, speakerID uuid.UUID, sampleURL string, sampleStart, totalDuration float64) error {
	query := `
		UPDATE session_speakers
		SET sample_audio_url = $1, sample_start_time = $2, total_duration_seconds = $3
		WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, sampleURL, sampleStart, totalDuration, speakerID); err != nil {
		return fmt.Errorf("failed to update speaker sample: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetSpeaker(ctx context.Context, id uuid.UUID) (*model.SessionSpeaker, error) {
	query := `
		SELECT id, session_id, speaker_label, segment_count, total_duration_seconds,
		       sample_audio_url, sample_start_time, claimed_by, claimed_at, claim_type,
		       attributed_to_user_id, guest_name, created_at
		FROM session_speakers
		WHERE id = $1
	`
	var s model.SessionSpeaker
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.SessionID, &s.SpeakerLabel, &s.SegmentCount, &s.TotalDurationSeconds,
		&s.SampleAudioURL, &s.SampleStartTime, &s.ClaimedBy, &s.ClaimedAt, &s.ClaimType,
		&s.AttributedToUserID, &s.GuestName, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("speaker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get speaker: %w", err)
	}
	return &s, nil
}

func (r *postgresRepository) ListSpeakers(ctx context.Context, sessionID uuid.UUID) ([]model.SessionSpeaker, error) {
	query := `
		SELECT id, session_id, speaker_label, segment_count, total_duration_seconds,
		       sample_audio_url, sample_start_time, claimed_by, claimed_at, claim_type,
		       attributed_to_user_id, guest_name, created_at
		FROM session_speakers
		WHERE session_id = $1
		ORDER BY speaker_label
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query speakers: %w", err)
	}
	defer rows.Close()

	var speakers []model.SessionSpeaker
	for rows.Next() {
		var s model.SessionSpeaker
		err := rows.Scan(
			&s.ID, &s.SessionID, &s.SpeakerLabel, &s.SegmentCount, &s.TotalDurationSeconds,
			&s.SampleAudioURL, &s.SampleStartTime, &s.ClaimedBy, &s.ClaimedAt, &s.ClaimType,
			&s.AttributedToUserID, &s.GuestName, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan speaker: %w", err)
		}
		speakers = append(speakers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating speakers: %w", err)
	}
	return speakers, nil
}

func (r *postgresRepository) ListWordCounts(ctx context.Context, speakerID uuid.UUID) ([]model.SpeakerWordCount, error) {
	query := `
		SELECT id, session_speaker_id, word, count
		FROM speaker_word_counts
		WHERE session_speaker_id = $1
		ORDER BY word
	`
	rows, err := r.db.QueryContext(ctx, query, speakerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query word counts: %w", err)
	}
	defer rows.Close()

	var counts []model.SpeakerWordCount
	for rows.Next() {
		var wc model.SpeakerWordCount
		if err := rows.Scan(&wc.ID, &wc.SessionSpeakerID, &wc.Word, &wc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan word count: %w", err)
		}
		counts = append(counts, wc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating word counts: %w", err)
	}
	return counts, nil
}

// ClaimSpeaker attributes a speaker's counts in a single transaction. The
// claim is terminal: a second claim on the same speaker fails.
func (r *postgresRepository) ClaimSpeaker(ctx context.Context, speakerID uuid.UUID, claim model.Claim) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID uuid.UUID
	var claimType *string
	err = tx.QueryRowContext(ctx,
		`SELECT session_id, claim_type FROM session_speakers WHERE id = $1 FOR UPDATE`,
		speakerID).Scan(&sessionID, &claimType)
	if err == sql.ErrNoRows {
		return fmt.Errorf("speaker %s: %w", speakerID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock speaker: %w", err)
	}
	if claimType != nil {
		return ErrAlreadyClaimed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE session_speakers
		SET claimed_by = $1, claimed_at = $2, claim_type = $3,
		    attributed_to_user_id = $4, guest_name = $5
		WHERE id = $6
	`, claim.ClaimedBy, time.Now().UTC(), claim.ClaimType, claim.AttributedToUserID, claim.GuestName, speakerID)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}

	// Guest claims keep their counts on the speaker only.
	if claim.ClaimType != model.ClaimTypeGuest && claim.AttributedToUserID != nil {
		var groupID *uuid.UUID
		if err := tx.QueryRowContext(ctx,
			`SELECT group_id FROM sessions WHERE id = $1`, sessionID).Scan(&groupID); err != nil {
			return fmt.Errorf("failed to read session group: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO word_counts (session_id, user_id, group_id, word, count, detected_at)
			SELECT $1, $2, $3, word, count, $4
			FROM speaker_word_counts
			WHERE session_speaker_id = $5
		`, sessionID, claim.AttributedToUserID, groupID, time.Now().UTC(), speakerID)
		if err != nil {
			return fmt.Errorf("failed to copy word counts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}
