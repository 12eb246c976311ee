package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database"
	"github.com/form-case/kobocat/internal/exports"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/mirror"
	"github.com/form-case/kobocat/internal/routes"
	"github.com/form-case/kobocat/internal/signals"
	"github.com/form-case/kobocat/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Env)

	logger.Info("configuration loaded",
		"max_submission_mb", float64(cfg.MaxSubmissionSize)/(1024*1024),
		"storage", cfg.StorageBackend,
		"env", cfg.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := mirror.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("failed to connect to submission mirror: %w", err)
	}
	defer store.Close(context.Background())

	backend, err := storage.NewBackendFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := backend.ValidateAccess(ctx); err != nil {
		return fmt.Errorf("storage is not usable: %w", err)
	}

	if err := db.Use(signals.New(backend, store)); err != nil {
		return fmt.Errorf("failed to register model callbacks: %w", err)
	}

	if err := database.Migrate(ctx, db, store); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	sessionManager, err := auth.NewSessionManager(db, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}

	exportService := exports.NewService(db, backend, cfg.ExportQueueSize)

	versionInfo := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	router := routes.NewRouter(routes.Dependencies{
		DB:             db,
		Config:         cfg,
		Storage:        backend,
		Mirror:         store,
		SessionManager: sessionManager,
		Exports:        exportService,
		Version:        versionInfo,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return exportService.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("starting kobocat server",
			"address", srv.Addr,
			"environment", cfg.Env,
			"version", versionInfo,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
