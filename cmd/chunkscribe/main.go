package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/aggregator"
	"github.com/jo-hoe/chunkscribe/internal/chunks"
	"github.com/jo-hoe/chunkscribe/internal/common"
	appcfg "github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/dispatch"
	"github.com/jo-hoe/chunkscribe/internal/engine"
	"github.com/jo-hoe/chunkscribe/internal/engine/mock"
	"github.com/jo-hoe/chunkscribe/internal/engine/openai"
	"github.com/jo-hoe/chunkscribe/internal/engine/whisper"
	"github.com/jo-hoe/chunkscribe/internal/events"
	"github.com/jo-hoe/chunkscribe/internal/jobs"
	"github.com/jo-hoe/chunkscribe/internal/kv"
	"github.com/jo-hoe/chunkscribe/internal/notify"
	"github.com/jo-hoe/chunkscribe/internal/pipeline"
	"github.com/jo-hoe/chunkscribe/internal/queue"
	"github.com/jo-hoe/chunkscribe/internal/scheduler"
	"github.com/jo-hoe/chunkscribe/internal/segmenter"
	"github.com/jo-hoe/chunkscribe/internal/server"
	"github.com/jo-hoe/chunkscribe/internal/storage"
	"github.com/jo-hoe/chunkscribe/internal/worker"
)

func main() {
	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		logger.Warn("invalid log level, using info", "level", cfg.Server.LogLevel)
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Shared result store
	store, err := kv.Open(rootCtx, cfg.Store)
	if err != nil {
		logger.Error("open shared store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Work queue
	q, err := queue.Open(rootCtx, cfg.Queue)
	if err != nil {
		logger.Error("open work queue", "driver", cfg.Queue.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = q.Close() }()

	results := chunks.NewPublisher(store, cfg.Store.CompletedTTL, cfg.Store.FailedTTL)
	logger.Info("chunkscribe starting", "mode", cfg.Server.Mode, "store", cfg.Store.Driver, "queue", cfg.Queue.Driver)

	// Chunk workers
	var runner *queue.Runner
	if cfg.Server.Mode == common.ModeWorker || cfg.Server.Mode == common.ModeAll {
		eng, err := newEngine(cfg.Engine)
		if err != nil {
			logger.Error("init engine", "provider", cfg.Engine.Provider, "err", err)
			os.Exit(1)
		}
		workerID := worker.ResolveID(cfg.Worker.ID)
		w := worker.New(logger, workerID, eng, results)
		runner = queue.NewRunner(logger, q, workerID, cfg.Worker.Concurrency, cfg.Queue.PollInterval)
		if err := runner.Start(rootCtx, w); err != nil {
			logger.Error("start workers", "err", err)
			os.Exit(1)
		}
		logger.Info("workers started", "worker_id", workerID, "concurrency", cfg.Worker.Concurrency, "engine", cfg.Engine.Provider)
	}

	if cfg.Server.Mode == common.ModeWorker {
		<-rootCtx.Done()
		logger.Info("shutdown signal received")
		runner.Shutdown(cfg.Server.ShutdownGrace)
		logger.Info("worker stopped")
		return
	}

	// Coordinator: job store, aggregation, submission
	jobStore := jobs.NewMemoryStore()

	hub := events.NewHub(logger, jobStore.List)
	hub.Start()
	jobStore.Subscribe(hub.Publish)

	callbacks := notify.New(logger, nil, cfg.Pipeline.CallbackRetries, cfg.Pipeline.CallbackBackoff)
	jobStore.Subscribe(callbacks.OnJob)

	agg := aggregator.New(logger, jobStore, store, aggregator.Config{
		StallThreshold: cfg.Pipeline.StallThreshold,
		CleanupDelay:   cfg.Pipeline.CleanupDelay,
	})

	if err := os.MkdirAll(cfg.Segmenter.TempDir, 0o750); err != nil {
		logger.Error("ensure chunk dir", "dir", cfg.Segmenter.TempDir, "err", err)
		os.Exit(1)
	}
	pipe := pipeline.New(logger, jobStore,
		segmenter.NewFFmpeg(cfg.Segmenter.FFmpegPath),
		dispatch.New(logger, q, cfg.Dispatch),
		agg,
		pipeline.Config{
			BytesPerSecond:        cfg.Pipeline.BytesPerSecond,
			MaxChunks:             cfg.Pipeline.MaxChunks,
			SecondsPerAudioMinute: cfg.Pipeline.SecondsPerAudioMin,
			WorkRoot:              cfg.Segmenter.TempDir,
		})

	// Background tasks
	sched := scheduler.New(logger)
	sweeper := &scheduler.Sweeper{
		Log:       logger.With("component", "sweeper"),
		Jobs:      jobStore,
		Store:     store,
		Queue:     q,
		Cleaner:   agg,
		Retention: cfg.Pipeline.Retention,
	}
	for _, task := range []struct {
		name     string
		interval time.Duration
		fn       scheduler.TaskFunc
	}{
		{"aggregate", cfg.Pipeline.AggregateInterval, func(ctx context.Context) error {
			_, err := agg.Cycle(ctx)
			return err
		}},
		{"stall-check", stallInterval(cfg.Pipeline), func(ctx context.Context) error {
			_, err := agg.StallCheck(ctx)
			return err
		}},
		{"sweep", cfg.Pipeline.SweepInterval, func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}},
	} {
		if err := sched.Every(task.name, task.interval, task.fn); err != nil {
			logger.Error("schedule task", "task", task.name, "err", err)
			os.Exit(1)
		}
	}
	sched.Start()

	// HTTP server
	svc := &server.Service{
		Log:        logger,
		Cfg:        cfg,
		Jobs:       jobStore,
		Pipeline:   pipe,
		Aggregator: agg,
		Queue:      q,
		Uploader:   storage.NewUploader(cfg.Server.StorageDir),
		Events:     hub,
	}
	httpSrv := server.NewHTTPServer(svc)

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
	pipe.Close()
	if runner != nil {
		runner.Shutdown(cfg.Server.ShutdownGrace)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "err", err)
	}
	if err := callbacks.Close(shutdownCtx); err != nil {
		logger.Warn("callbacks shutdown", "err", err)
	}
	hub.Close()
	agg.Close()
	logger.Info("server stopped")
}

func newEngine(cfg appcfg.EngineConfig) (engine.Engine, error) {
	switch cfg.Provider {
	case "mock":
		return mock.New(cfg.Mock), nil
	case "whisper":
		return whisper.New(cfg.Whisper), nil
	case "openai":
		return openai.New(cfg.OpenAI), nil
	default:
		return nil, fmt.Errorf("unsupported engine provider %q", cfg.Provider)
	}
}

// stallInterval checks a few times per threshold window, but never faster than aggregation.
func stallInterval(cfg appcfg.PipelineConfig) time.Duration {
	d := cfg.StallThreshold / 4
	if d < cfg.AggregateInterval {
		d = cfg.AggregateInterval
	}
	return d
}
