// Package api exposes the session HTTP surface: lifecycle endpoints used by
// the recording client, status polling, and speaker claiming.
package api

import (
	"database/sql"

	"lahstats/internal/cache"
	"lahstats/internal/queue"
	"lahstats/internal/repository"
	"lahstats/internal/storage"

	"github.com/gin-gonic/gin"
)

// Server holds the handler dependencies. Everything is injected at process
// start; handlers hold no package-level state.
type Server struct {
	repo      repository.Repository
	queue     *queue.Client
	store     storage.Storage
	populator *cache.Populator
	db        *sql.DB
}

// NewServer wires the handler set.
func NewServer(repo repository.Repository, q *queue.Client, store storage.Storage, populator *cache.Populator, db *sql.DB) *Server {
	return &Server{
		repo:      repo,
		queue:     q,
		store:     store,
		populator: populator,
		db:        db,
	}
}

// RegisterRoutes attaches all endpoints to the engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.healthCheck)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions/:id", s.getSession)
		v1.POST("/sessions/:id/chunks", s.uploadChunk)
		v1.POST("/sessions/:id/finish", s.finishSession)
		v1.GET("/sessions/:id/speakers", s.listSpeakers)
		v1.GET("/sessions/:id/cache", s.cacheStats)
		v1.POST("/speakers/:id/claim", s.claimSpeaker)
	}

	// Local storage is served directly; PublicURL points here.
	if local, ok := s.store.(*storage.Local); ok {
		r.Static("/files", local.BaseDir())
	}
}
