package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"soloboard/config"
	"soloboard/config/database"
	handler "soloboard/internal/session"
	"soloboard/internal/session/repository"
	"soloboard/internal/session/service"
	"soloboard/internal/session/snapshot"
	"soloboard/pkg/logger"
	"soloboard/router"
	"soloboard/socket"
	"soloboard/storage"
	"soloboard/tasks"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file means production; everything comes from the OS env.
		os.Stderr.WriteString("No .env file found, using environment variables from OS\n")
	}
	logger.Init()
	defer logger.Log.Sync()

	cfg := config.Load()

	db := database.Connect()
	defer db.Close()

	// Blob storage backend for snapshots.
	signer := storage.NewURLSigner(cfg.PublicBaseURL, cfg.URLSigningKey)
	var backend storage.Backend
	switch cfg.StorageBackend {
	case "postgres":
		backend = storage.NewPostgresBackend(db, signer)
	default:
		local, err := storage.NewLocalBackend(cfg.StorageRoot, signer)
		if err != nil {
			logger.Sugar.Fatalf("Failed to initialize local storage at %s: %v", cfg.StorageRoot, err)
		}
		backend = local
	}
	snaps := snapshot.NewStore(backend, cfg.SignedURLTTL)

	sessionRepo := repository.NewSessionRepository(db)
	quotaLedger := repository.NewQuotaLedger(db)

	runner := tasks.NewRunner(256)
	svc := service.NewSessionService(sessionRepo, quotaLedger, snaps, runner, cfg.MaxOpsPerSave, cfg.IdempotencyTTL)
	runner.Register(service.TaskPersistSnapshot, svc.HandlePersistSnapshot)
	runner.Register(service.TaskCleanupSnapshots, svc.HandleCleanupSnapshots)

	hub := socket.NewHub(db)
	svc.SetNotifier(hub)
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	sweeper := service.NewGCSweeper(sessionRepo, snaps, quotaLedger, cfg.SnapshotKeepLast)
	go tasks.Periodic(ctx, cfg.GCInterval, "snapshot-gc", func(ctx context.Context) error {
		_, _, err := sweeper.Sweep(ctx)
		return err
	})

	mux := router.Setup(handler.NewSessionHandler(svc, cfg), hub)

	logger.Sugar.Infof("Backend listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}
