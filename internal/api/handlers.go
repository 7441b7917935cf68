package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"lahstats/internal/cache"
	"lahstats/internal/model"
	"lahstats/internal/queue"
	"lahstats/internal/repository"
	"lahstats/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// healthCheck reports db/redis reachability and queue depths
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.db.PingContext(ctx) == nil
	redisOK := s.queue.Ping(ctx) == nil

	status := gin.H{
		"status":   "ok",
		"service":  "lahstats-backend",
		"database": dbOK,
		"redis":    redisOK,
	}
	if redisOK {
		if n, err := s.queue.QueueLength(ctx, queue.ProcessingQueue); err == nil {
			status["processing_queue"] = n
		}
		if n, err := s.queue.QueueLength(ctx, queue.FailedQueue); err == nil {
			status["failed_queue"] = n
		}
	}
	if !dbOK || !redisOK {
		status["status"] = "degraded"
	}
	utils.Success(c, status)
}

type createSessionRequest struct {
	StartedBy string  `json:"started_by" binding:"required"`
	GroupID   *string `json:"group_id"`
}

// createSession handles POST /api/v1/sessions
func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "started_by is required")
		return
	}

	startedBy, err := uuid.Parse(req.StartedBy)
	if err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid started_by format")
		return
	}

	session := &model.Session{
		ID:        uuid.New(),
		StartedBy: startedBy,
		Status:    model.StatusRecording,
		StartedAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if req.GroupID != nil {
		groupID, err := uuid.Parse(*req.GroupID)
		if err != nil {
			utils.Error(c, http.StatusBadRequest, "invalid group_id format")
			return
		}
		session.GroupID = &groupID
	}

	if err := s.repo.CreateSession(c.Request.Context(), session); err != nil {
		log.Printf("[API] Failed to create session: %v", err)
		utils.Error(c, http.StatusInternalServerError, "failed to create session")
		return
	}

	utils.Success(c, gin.H{"session_id": session.ID.String(), "status": session.Status})
}

// getSession handles GET /api/v1/sessions/:id (status polling)
func (s *Server) getSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	session, err := s.repo.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			utils.Error(c, http.StatusNotFound, "session not found")
			return
		}
		log.Printf("[API] Failed to get session %s: %v", id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to get session")
		return
	}

	resp := gin.H{
		"id":       session.ID.String(),
		"status":   session.Status,
		"progress": session.Progress,
	}
	if session.AudioURL != nil {
		resp["audio_url"] = *session.AudioURL
	}
	if session.DurationSeconds != nil {
		resp["duration_seconds"] = *session.DurationSeconds
	}
	if session.ErrorMessage != nil {
		resp["error_message"] = *session.ErrorMessage
	}
	utils.Success(c, resp)
}

// uploadChunk handles POST /api/v1/sessions/:id/chunks. The chunk is stored
// and a background cache transcription is submitted fire-and-forget.
func (s *Server) uploadChunk(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	chunkNumber, err := strconv.Atoi(c.PostForm("chunk_number"))
	if err != nil || chunkNumber < 1 {
		utils.Error(c, http.StatusBadRequest, "chunk_number must be a positive integer")
		return
	}
	duration, err := strconv.ParseFloat(c.PostForm("duration_seconds"), 64)
	if err != nil || duration <= 0 {
		utils.Error(c, http.StatusBadRequest, "duration_seconds must be a positive number")
		return
	}

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		utils.Error(c, http.StatusBadRequest, "audio file is required")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		utils.Error(c, http.StatusBadRequest, "failed to open audio file")
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		utils.Error(c, http.StatusBadRequest, "failed to read audio file")
		return
	}

	objectPath := "sessions/" + id.String() + "/chunk_" + strconv.Itoa(chunkNumber) + ".wav"
	storagePath, err := s.store.Upload(c.Request.Context(), objectPath, audio)
	if err != nil {
		log.Printf("[API] Failed to store chunk %d for session %s: %v", chunkNumber, id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to store chunk")
		return
	}

	chunk := &model.AudioChunk{
		ID:              uuid.New(),
		SessionID:       id,
		ChunkNumber:     chunkNumber,
		StoragePath:     storagePath,
		DurationSeconds: duration,
		UploadedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateChunk(c.Request.Context(), chunk); err != nil {
		log.Printf("[API] Failed to record chunk %d for session %s: %v", chunkNumber, id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to record chunk")
		return
	}

	// Fire-and-forget: population errors land on the cache row, not here.
	s.populator.Submit(cache.Request{
		SessionID:       id,
		ChunkNumber:     chunkNumber,
		Audio:           audio,
		DurationSeconds: duration,
	})

	utils.Success(c, gin.H{"chunk_number": chunkNumber, "storage_path": storagePath})
}

// finishSession handles POST /api/v1/sessions/:id/finish: the recording is
// over and a processing job is enqueued.
func (s *Server) finishSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if _, err := s.repo.GetSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			utils.Error(c, http.StatusNotFound, "session not found")
			return
		}
		utils.Error(c, http.StatusInternalServerError, "failed to get session")
		return
	}

	if err := s.repo.MarkSessionEnded(c.Request.Context(), id); err != nil {
		log.Printf("[API] Failed to mark session %s ended: %v", id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to end session")
		return
	}

	if err := s.queue.Enqueue(c.Request.Context(), model.NewJob(id)); err != nil {
		log.Printf("[API] Failed to enqueue session %s: %v", id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to enqueue processing job")
		return
	}

	utils.Success(c, gin.H{"session_id": id.String(), "queued": true})
}

// listSpeakers handles GET /api/v1/sessions/:id/speakers
func (s *Server) listSpeakers(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	speakers, err := s.repo.ListSpeakers(c.Request.Context(), id)
	if err != nil {
		log.Printf("[API] Failed to list speakers for session %s: %v", id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to list speakers")
		return
	}

	items := make([]gin.H, 0, len(speakers))
	for _, sp := range speakers {
		item := gin.H{
			"id":            sp.ID.String(),
			"speaker_label": sp.SpeakerLabel,
			"segment_count": sp.SegmentCount,
			"claimed":       sp.Claimed(),
		}
		if sp.TotalDurationSeconds != nil {
			item["total_duration_seconds"] = *sp.TotalDurationSeconds
		}
		if sp.SampleAudioURL != nil {
			item["sample_audio_url"] = *sp.SampleAudioURL
		}
		if sp.SampleStartTime != nil {
			item["sample_start_time"] = *sp.SampleStartTime
		}

		counts, err := s.repo.ListWordCounts(c.Request.Context(), sp.ID)
		if err != nil {
			log.Printf("[API] Failed to list word counts for speaker %s: %v", sp.ID, err)
			utils.Error(c, http.StatusInternalServerError, "failed to list word counts")
			return
		}
		wordCounts := make(map[string]int, len(counts))
		for _, wc := range counts {
			wordCounts[wc.Word] = wc.Count
		}
		item["word_counts"] = wordCounts

		items = append(items, item)
	}

	utils.Success(c, gin.H{"speakers": items, "count": len(items)})
}

// cacheStats handles GET /api/v1/sessions/:id/cache
func (s *Server) cacheStats(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	stats, err := s.repo.CacheStats(c.Request.Context(), id)
	if err != nil {
		log.Printf("[API] Failed to get cache stats for session %s: %v", id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to get cache stats")
		return
	}
	utils.Success(c, gin.H{
		"total_chunks":   stats.TotalChunks,
		"successful":     stats.Successful,
		"failed":         stats.Failed,
		"pending":        stats.Pending,
		"cache_hit_rate": stats.HitRate,
	})
}

type claimRequest struct {
	ClaimedBy          string  `json:"claimed_by" binding:"required"`
	ClaimType          string  `json:"claim_type" binding:"required"`
	AttributedToUserID *string `json:"attributed_to_user_id"`
	GuestName          *string `json:"guest_name"`
}

// claimSpeaker handles POST /api/v1/speakers/:id/claim
func (s *Server) claimSpeaker(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, http.StatusBadRequest, "claimed_by and claim_type are required")
		return
	}

	claimedBy, err := uuid.Parse(req.ClaimedBy)
	if err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid claimed_by format")
		return
	}

	claim := model.Claim{ClaimedBy: claimedBy, ClaimType: req.ClaimType}
	switch req.ClaimType {
	case model.ClaimTypeSelf:
		claim.AttributedToUserID = &claimedBy
	case model.ClaimTypeUser:
		if req.AttributedToUserID == nil {
			utils.Error(c, http.StatusBadRequest, "attributed_to_user_id is required for user claims")
			return
		}
		attributed, err := uuid.Parse(*req.AttributedToUserID)
		if err != nil {
			utils.Error(c, http.StatusBadRequest, "invalid attributed_to_user_id format")
			return
		}
		claim.AttributedToUserID = &attributed
	case model.ClaimTypeGuest:
		if req.GuestName == nil || *req.GuestName == "" {
			utils.Error(c, http.StatusBadRequest, "guest_name is required for guest claims")
			return
		}
		claim.GuestName = req.GuestName
	default:
		utils.Error(c, http.StatusBadRequest, "claim_type must be self, user, or guest")
		return
	}

	// Claiming only makes sense once processing produced the roster.
	speaker, err := s.repo.GetSpeaker(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			utils.Error(c, http.StatusNotFound, "speaker not found")
			return
		}
		utils.Error(c, http.StatusInternalServerError, "failed to get speaker")
		return
	}
	session, err := s.repo.GetSession(c.Request.Context(), speaker.SessionID)
	if err != nil {
		utils.Error(c, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session.Status != model.StatusReadyForClaiming && session.Status != model.StatusCompleted {
		utils.Error(c, http.StatusConflict, "session is not ready for claiming")
		return
	}

	if err := s.repo.ClaimSpeaker(c.Request.Context(), id, claim); err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			utils.Error(c, http.StatusConflict, "speaker already claimed")
			return
		}
		log.Printf("[API] Failed to claim speaker %s: %v", id, err)
		utils.Error(c, http.StatusInternalServerError, "failed to claim speaker")
		return
	}

	utils.Success(c, gin.H{"speaker_id": id.String(), "claim_type": req.ClaimType})
}

// parseID pulls the :id path parameter as a UUID, writing the error response
// itself on failure.
func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.Error(c, http.StatusBadRequest, "invalid id format")
		return uuid.Nil, false
	}
	return id, true
}
