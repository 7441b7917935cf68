package main

import (
	"context"
	"log"
	"os"

	"lahstats/internal/api"
	"lahstats/internal/asr"
	"lahstats/internal/cache"
	"lahstats/internal/config"
	"lahstats/internal/db"
	"lahstats/internal/queue"
	"lahstats/internal/repository"
	"lahstats/internal/storage"
	"lahstats/internal/words"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode (default to release mode)
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	repo := repository.NewPostgresRepository(database)

	queueClient, err := queue.New(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer queueClient.Close()

	store, err := storage.NewLocal(cfg.StorageDir, cfg.PublicBaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	transcriber, err := asr.NewWhisperTranscriber(cfg.OpenAIKey, cfg.TranscribeTimeout)
	if err != nil {
		log.Fatalf("Failed to create transcriber: %v", err)
	}

	populator := cache.NewPopulator(repo, transcriber, words.NewDefaultProcessor(), os.TempDir(), cfg.CachePoolSize)
	defer populator.Close()

	r := gin.Default()
	r.Use(corsMiddleware())

	server := api.NewServer(repo, queueClient, store, populator, database)
	server.RegisterRoutes(r)

	log.Printf("LahStats backend running on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// corsMiddleware adds CORS headers for the mobile recording client
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
