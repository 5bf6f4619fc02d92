// Package main provides the entry point for the Tidings ingestion worker.
// The worker schedules the configured sources and runs the capture,
// normalize and annotate stages until it is signalled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/janovincze/tidings/internal/app"
	"github.com/janovincze/tidings/internal/config"
	"github.com/janovincze/tidings/internal/health"
	"github.com/janovincze/tidings/internal/ingest/checkpoint"
	"github.com/janovincze/tidings/internal/ingest/normalize"
	"github.com/janovincze/tidings/internal/ingest/pipeline"
	"github.com/janovincze/tidings/internal/ingest/scheduler"
	"github.com/janovincze/tidings/internal/ingest/source"
	"github.com/janovincze/tidings/internal/metrics"
)

func main() {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting Tidings worker",
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return err
	}

	sched := scheduler.New(c.Checkpoints, c.Broker, scheduler.Config{Queue: cfg.Broker.RawQueue}, logger)
	fetch := source.FetcherConfig{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}
	for _, sc := range sources {
		extractor, err := source.NewWithFetcher(sc, fetch, logger)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.ID, err)
		}
		if err := sched.Register(sc, extractor); err != nil {
			return err
		}
	}

	p, err := pipeline.New(pipeline.Deps{
		Broker:      c.Broker,
		Artifacts:   c.Artifacts,
		Normalizer:  normalize.NewTextCleaner(),
		Annotator:   c.Annotator,
		Advancer:    checkpoint.NewAdvancer(c.Checkpoints, logger),
		DeadLetters: c.DeadLetters,
	}, pipeline.Config{
		RawQueue:              cfg.Broker.RawQueue,
		CleanQueue:            cfg.Broker.CleanQueue,
		AnnotateQueue:         cfg.Broker.AnnotateQueue,
		Prefetch:              cfg.Pipeline.Prefetch,
		Backoff:               app.RetryPolicy(cfg),
		MaxCapabilityAttempts: cfg.Pipeline.MaxCapabilityAttempts,
		DeadLetterRetention:   cfg.DeadLetter.Retention,
	}, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Register()
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer shutdown(srv.Shutdown)
	}

	if cfg.Health.Enabled {
		mgr := health.NewManager(health.ManagerConfig{Timeout: cfg.Health.ReadinessTimeout}, logger)
		for name, ping := range c.Pings {
			mgr.Register(health.NewPingChecker(name, ping))
		}
		mgr.Register(health.NewSchedulerChecker(sched))
		for _, w := range p.Workers() {
			mgr.Register(health.NewWorkerChecker(string(w.Stage()), w))
		}

		srvCfg := health.DefaultServerConfig()
		srvCfg.ListenAddr = cfg.Health.ListenAddr
		srv := health.NewServer(mgr, srvCfg, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
		defer shutdown(srv.Stop)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- p.Run(runCtx) }()

	if err := sched.Start(runCtx); err != nil {
		return err
	}

	logger.Info("worker configured",
		"sources", len(sources),
		"broker", cfg.Broker.Backend,
		"checkpoints", cfg.Checkpoint.Backend,
		"artifacts", cfg.Artifacts.Backend,
		"annotator", cfg.Annotator.Backend,
		"dead_letter", cfg.DeadLetter.Enabled,
	)

	select {
	case <-ctx.Done():
		sched.Stop()
		cancel()
		err = <-pipeErr
	case err = <-pipeErr:
		// A stage hit a persistence error. Stop scheduling and exit so the
		// unacknowledged message is redelivered on restart.
		sched.Stop()
	}
	if err != nil {
		return fmt.Errorf("pipeline error: %w", err)
	}

	logger.Info("Tidings worker stopped gracefully")
	return nil
}

func shutdown(stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = stop(ctx)
}
