package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ensembl/lakehouse/internal/app"
	"github.com/ensembl/lakehouse/internal/config"
	"github.com/ensembl/lakehouse/internal/export"
	"github.com/ensembl/lakehouse/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("lakehouse-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Worker.Queue != config.QueueRedis {
		logger.Error("a standalone worker needs a shared queue; set LAKEHOUSE_WORKER_QUEUE=redis")
		os.Exit(1)
	}

	backends, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open backends", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = backends.Close() }()

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	server := &http.Server{Addr: cfg.HTTP.Address, Handler: mux, ReadTimeout: cfg.HTTP.ReadTimeout}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	if backends.Janitor != nil {
		go func() { _ = backends.Janitor.Run(ctx) }()
	}

	logger.Info("export worker started", slog.Int("concurrency", cfg.Worker.Concurrency), slog.String("queue_key", cfg.Worker.QueueKey))
	if err := pool.Run(ctx); err != nil {
		logger.Error("export worker failed", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("export worker stopped")
}
