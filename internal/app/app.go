// Package app builds the backends selected by the configuration. It is
// shared by the worker and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/janovincze/tidings/internal/config"
	"github.com/janovincze/tidings/internal/ingest/annotate"
	"github.com/janovincze/tidings/internal/ingest/artifact"
	"github.com/janovincze/tidings/internal/ingest/checkpoint"
	"github.com/janovincze/tidings/internal/ingest/deadletter"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/retry"
)

// PingFunc checks that a backend is reachable.
type PingFunc func(ctx context.Context) error

type pinger interface {
	Ping(ctx context.Context) error
}

// Components holds the opened backends. Close releases all of them.
type Components struct {
	Broker      queue.Broker
	Checkpoints checkpoint.Store
	Artifacts   artifact.Store
	Annotator   annotate.Annotator
	DeadLetters deadletter.Manager

	// Pings maps a health check name to the backend's ping.
	Pings map[string]PingFunc

	closers []func() error
	logger  *slog.Logger
}

// Build opens every backend the worker needs. On failure the backends
// opened so far are closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{
		Pings:  make(map[string]PingFunc),
		logger: logger.With("component", "app"),
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Checkpoints, err = OpenCheckpoints(ctx, cfg, logger); err != nil {
		return nil, err
	}
	c.track("checkpoints", c.Checkpoints, c.Checkpoints.Close)

	if c.Broker, err = OpenBroker(ctx, cfg, logger); err != nil {
		return nil, err
	}
	c.track("broker", c.Broker, c.Broker.Close)

	if c.Artifacts, err = OpenArtifacts(ctx, cfg, logger); err != nil {
		return nil, err
	}
	c.track("artifacts", c.Artifacts, nil)
	if _, ok := c.Pings["artifacts"]; !ok {
		store := c.Artifacts
		c.Pings["artifacts"] = func(ctx context.Context) error {
			_, err := store.Exists(ctx, artifact.DirRaw, ".ping")
			return err
		}
	}

	if c.Annotator, err = OpenAnnotator(ctx, cfg, logger); err != nil {
		return nil, err
	}

	if cfg.DeadLetter.Enabled {
		if c.DeadLetters, err = OpenDeadLetters(ctx, cfg, logger); err != nil {
			return nil, err
		}
		c.track("dead_letter", c.DeadLetters, c.DeadLetters.Close)
	}

	return c, nil
}

func (c *Components) track(name string, backend any, closeFn func() error) {
	if p, ok := backend.(pinger); ok {
		c.Pings[name] = p.Ping
	}
	if closeFn != nil {
		c.closers = append(c.closers, closeFn)
	}
}

// Close releases the backends in reverse order of opening.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("failed to close backends", "error", err)
		return err
	}
	return nil
}

// RetryPolicy returns the configured backoff policy.
func RetryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.InitialInterval = cfg.Retry.InitialInterval
	p.MaxInterval = cfg.Retry.MaxInterval
	p.Multiplier = cfg.Retry.Multiplier
	return p
}

// OpenBroker connects to the configured broker.
func OpenBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Broker, error) {
	switch cfg.Broker.Backend {
	case config.BackendAMQP:
		return queue.NewAMQPBroker(ctx, queue.AMQPConfig{
			URL:            cfg.Broker.AMQPURL,
			Heartbeat:      cfg.Broker.Heartbeat,
			ConfirmTimeout: cfg.Broker.ConfirmTimeout,
			Dial:           RetryPolicy(cfg),
		}, logger)
	case config.BackendPostgres:
		return queue.NewPostgresBroker(ctx, queue.PostgresConfig{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			Visibility:   cfg.Broker.Visibility,
			PollInterval: cfg.Broker.PollInterval,
		}, logger)
	case config.BackendMemory:
		return queue.NewMemoryBroker(logger), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

// OpenCheckpoints opens the configured checkpoint store.
func OpenCheckpoints(ctx context.Context, cfg *config.Config, logger *slog.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendFile:
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir, logger)
	case config.BackendPostgres:
		return checkpoint.NewPostgresStore(ctx, checkpoint.PostgresConfig{
			DSN:             cfg.Database.DSN(),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// OpenArtifacts opens the configured artifact store.
func OpenArtifacts(ctx context.Context, cfg *config.Config, logger *slog.Logger) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case config.BackendFile:
		return artifact.NewFileStore(cfg.Artifacts.Dir, logger)
	case config.BackendS3:
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			Prefix:    cfg.Storage.Prefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifacts.Backend)
	}
}

// OpenAnnotator creates the configured annotator.
func OpenAnnotator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (annotate.Annotator, error) {
	if cfg.Annotator.Backend == config.BackendStatic {
		return annotate.NewStatic(cfg.Annotator.StaticLabel), nil
	}

	var prompt string
	if cfg.Annotator.PromptFile != "" {
		data, err := os.ReadFile(cfg.Annotator.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	}

	switch cfg.Annotator.Backend {
	case config.BackendOllama:
		return annotate.NewOllama(annotate.OllamaConfig{
			BaseURL:         cfg.Annotator.OllamaURL,
			Model:           cfg.Annotator.Model,
			Prompt:          prompt,
			Timeout:         cfg.Annotator.Timeout,
			MaxContentChars: cfg.Annotator.MaxContentChars,
		}, logger)
	case config.BackendGemini:
		return annotate.NewGemini(ctx, annotate.GeminiConfig{
			APIKey:          cfg.Annotator.GeminiAPIKey,
			Model:           cfg.Annotator.GeminiModel,
			BaseURL:         cfg.Annotator.GeminiBaseURL,
			Prompt:          prompt,
			Timeout:         cfg.Annotator.Timeout,
			MaxContentChars: cfg.Annotator.MaxContentChars,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown annotator backend %q", cfg.Annotator.Backend)
	}
}

// OpenDeadLetters opens the configured dead-letter store.
func OpenDeadLetters(ctx context.Context, cfg *config.Config, logger *slog.Logger) (deadletter.Manager, error) {
	switch cfg.DeadLetter.Backend {
	case config.BackendFile:
		return deadletter.NewFileManager(cfg.DeadLetter.Dir, logger)
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		mgr, err := deadletter.NewPostgresManager(ctx, db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &pgDeadLetters{PostgresManager: mgr, db: db}, nil
	default:
		return nil, fmt.Errorf("unknown dead-letter backend %q", cfg.DeadLetter.Backend)
	}
}

// pgDeadLetters closes the database handle together with the manager.
type pgDeadLetters struct {
	*deadletter.PostgresManager
	db *sql.DB
}

func (o *pgDeadLetters) Close() error {
	return errors.Join(o.PostgresManager.Close(), o.db.Close())
}

func (o *pgDeadLetters) Ping(ctx context.Context) error {
	return o.db.PingContext(ctx)
}
