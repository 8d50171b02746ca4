package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ensembl/lakehouse/internal/api"
	"github.com/ensembl/lakehouse/internal/app"
	"github.com/ensembl/lakehouse/internal/config"
	"github.com/ensembl/lakehouse/internal/export"
	"github.com/ensembl/lakehouse/internal/observability"
	"github.com/ensembl/lakehouse/internal/service"
)

func main() {
	cfg, err := config.LoadFromEnv("lakehouse-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	backends, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open backends", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = backends.Close() }()

	engine, closeEngine, err := app.OpenEngine(context.Background(), cfg, backends.Store, logger)
	if err != nil {
		logger.Error("failed to initialize query engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = closeEngine() }()

	queries := service.New(engine, backends.Cache, backends.Store, service.Config{
		QueryCacheTTL:     cfg.Query.CacheTTL,
		CatalogCacheTTL:   cfg.Catalog.CacheTTL,
		PreviewDefaultMax: cfg.Query.PreviewDefaultMax,
		PreviewLimit:      cfg.Query.PreviewLimit,
		PresignTTL:        cfg.ObjectStore.PresignTTL,
		SubmitLockTTL:     cfg.Query.SubmitLockTTL,
	}, logger)
	orchestrator := export.NewOrchestrator(engine, backends.Cache, backends.Store, backends.Queue, export.Config{
		FailureCooldown: cfg.Export.FailureCooldown,
		JobStateTTL:     cfg.Export.JobStateTTL,
		PresignTTL:      cfg.ObjectStore.PresignTTL,
	}, logger)

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:  logger,
		Queries: queries,
		Exports: orchestrator,
		Readiness: api.CombineReadinessChecks(
			queries.Ping,
			api.CheckObjectStoreConfig(cfg),
			api.CheckEngineConfig(cfg),
		),
		DependencyTimeout: time.Second,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background work outlives requests but not the process.
	var background sync.WaitGroup
	if cfg.Worker.Enabled {
		pool := &export.Pool{
			Queue: backends.Queue,
			Runner: export.NewRunner(backends.Cache, backends.Store, nil, export.RunnerConfig{
				FailureCooldown: cfg.Export.FailureCooldown,
				JobStateTTL:     cfg.Export.JobStateTTL,
				FetchTimeout:    cfg.Export.FetchTimeout,
			}, logger),
			Concurrency: cfg.Worker.Concurrency,
			Logger:      logger,
		}
		background.Add(1)
		go func() {
			defer background.Done()
			logger.Info("export workers started", slog.Int("concurrency", cfg.Worker.Concurrency), slog.String("queue", cfg.Worker.Queue))
			if err := pool.Run(ctx); err != nil {
				logger.Error("export workers failed", slog.Any("error", err))
			}
		}()
	} else if cfg.Worker.Queue == config.QueueMemory {
		logger.Warn("export workers disabled with an in-process queue; exports will stay QUEUED")
	}
	if backends.Janitor != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			_ = backends.Janitor.Run(ctx)
		}()
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address), slog.String("engine", cfg.Engine.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	background.Wait()
}
