package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	appcfg "github.com/jo-hoe/canopyflow/internal/config"
	"github.com/jo-hoe/canopyflow/internal/jobs"
	"github.com/jo-hoe/canopyflow/internal/metrics"
	"github.com/jo-hoe/canopyflow/internal/orchestrator"
	"github.com/jo-hoe/canopyflow/internal/pipeline"
	"github.com/jo-hoe/canopyflow/internal/pipelines"
	"github.com/jo-hoe/canopyflow/internal/process"
	"github.com/jo-hoe/canopyflow/internal/processor"
	"github.com/jo-hoe/canopyflow/internal/progress"
	"github.com/jo-hoe/canopyflow/internal/server"
	"github.com/jo-hoe/canopyflow/internal/storage"
)

func main() {
	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Server.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Store (SQLite)
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	arts, err := storage.NewArtifacts(cfg.Server.StorageDir)
	if err != nil {
		logger.Error("init artifact store", "err", err)
		os.Exit(1)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Progress fan-out, optionally mirrored across instances
	broadcaster := progress.NewBroadcaster(logger)
	if rs := cfg.Progress.Redis; rs.Enabled {
		client := redis.NewClient(&redis.Options{Addr: rs.Address, Password: rs.Password, DB: rs.DB})
		defer func() { _ = client.Close() }()
		relay := progress.NewRedisRelay(client, rs.ChannelPrefix, broadcaster, logger)
		broadcaster.SetForwarder(relay)
		go func() {
			if err := relay.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("progress relay stopped", "err", err)
			}
		}()
	}

	// Pipelines, worker and queue
	invoker := process.NewAdapter(logger)
	builder := pipelines.NewBuilder(cfg.Tools, invoker, arts)
	executor := pipeline.NewExecutor(logger, store, broadcaster, cfg.Server.RegistryRetries, cfg.Server.RegistryBackoff)
	worker := processor.New(logger, store, builder, executor, broadcaster)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	queue.OnDepth(func(n int) { metrics.QueueDepth.Set(float64(n)) })

	orch := orchestrator.New(logger, cfg, store, arts, queue, worker, invoker)
	if n, err := orch.Recover(rootCtx); err != nil {
		logger.Error("recover interrupted jobs", "err", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Warn("failed jobs interrupted by restart", "count", n)
	}

	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	httpSrv := server.NewHTTPServer(&server.Service{
		Log:       logger,
		Cfg:       cfg,
		Orch:      orch,
		Progress:  broadcaster,
		Artifacts: arts,
	})

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; running tool processes are killed with their context
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}
