package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lahstats/internal/asr"
	"lahstats/internal/audio"
	"lahstats/internal/config"
	"lahstats/internal/db"
	"lahstats/internal/pipeline"
	"lahstats/internal/queue"
	"lahstats/internal/repository"
	"lahstats/internal/storage"
	"lahstats/internal/words"
	"lahstats/internal/worker"

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
	diarizer := asr.NewHTTPDiarizer(cfg.DiarizerURL, cfg.DiarizeTimeout)

	processor := pipeline.NewProcessor(
		repo,
		diarizer,
		transcriber,
		words.NewDefaultProcessor(),
		audio.NewFFmpeg(os.TempDir()),
		store,
		pipeline.Options{
			MaxConcurrent:        cfg.MaxTranscribers,
			ChunkDownloadTimeout: cfg.ChunkDownloadTimeout,
		},
	)

	w := worker.New(queueClient, repo, processor, worker.Options{
		MaxRetries:     cfg.MaxRetries,
		RetryDelayBase: cfg.RetryDelayBase,
		PollTimeout:    cfg.PollTimeout,
		LeaseTTL:       cfg.LeaseTTL,
	})

	// Graceful shutdown: stop claiming new jobs on SIGTERM/SIGINT; the
	// in-flight job finishes before Run returns.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Printf("LahStats processing worker starting")
	w.Run(ctx)
}
