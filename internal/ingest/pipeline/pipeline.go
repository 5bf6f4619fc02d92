package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/janovincze/tidings/internal/ingest/annotate"
	"github.com/janovincze/tidings/internal/ingest/artifact"
	"github.com/janovincze/tidings/internal/ingest/deadletter"
	"github.com/janovincze/tidings/internal/ingest/normalize"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/retry"
)

// Config holds pipeline configuration.
type Config struct {
	// Queue names.
	RawQueue      string
	CleanQueue    string
	AnnotateQueue string

	// Prefetch per stage consumer. Every stage uses 1 by default.
	Prefetch int

	// Backoff is applied before requeueing after a capability failure.
	Backoff retry.Policy

	// MaxCapabilityAttempts dead-letters a message after this many capability
	// failures (0 = retry forever).
	MaxCapabilityAttempts int

	// DeadLetterRetention is how long dead-letter entries are kept.
	DeadLetterRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RawQueue:      queue.RawItems,
		CleanQueue:    queue.CleanItems,
		AnnotateQueue: queue.AnnotateItems,
		Prefetch:      1,
		Backoff:       retry.DefaultPolicy(),
	}
}

// Deps are the collaborators shared by the stage workers.
type Deps struct {
	Broker      queue.Broker
	Artifacts   artifact.Store
	Normalizer  normalize.Normalizer
	Annotator   annotate.Annotator
	Advancer    CheckpointAdvancer
	DeadLetters deadletter.Manager
}

// Pipeline runs one worker per stage over a shared broker.
type Pipeline struct {
	workers []*Worker
	logger  *slog.Logger
}

// New creates the three-stage pipeline.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Broker == nil:
		return nil, fmt.Errorf("pipeline: broker is required")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("pipeline: artifact store is required")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("pipeline: normalizer is required")
	case deps.Annotator == nil:
		return nil, fmt.Errorf("pipeline: annotator is required")
	case deps.Advancer == nil:
		return nil, fmt.Errorf("pipeline: checkpoint advancer is required")
	}

	defaults := DefaultConfig()
	if cfg.RawQueue == "" {
		cfg.RawQueue = defaults.RawQueue
	}
	if cfg.CleanQueue == "" {
		cfg.CleanQueue = defaults.CleanQueue
	}
	if cfg.AnnotateQueue == "" {
		cfg.AnnotateQueue = defaults.AnnotateQueue
	}

	worker := func(proc Processor, q string) *Worker {
		return NewWorker(proc, deps.Broker, deps.DeadLetters, WorkerConfig{
			Queue:                 q,
			Prefetch:              cfg.Prefetch,
			Backoff:               cfg.Backoff,
			MaxCapabilityAttempts: cfg.MaxCapabilityAttempts,
			DeadLetterRetention:   cfg.DeadLetterRetention,
		}, logger)
	}

	return &Pipeline{
		workers: []*Worker{
			worker(NewCapture(deps.Artifacts, deps.Broker, cfg.CleanQueue, logger), cfg.RawQueue),
			worker(NewNormalize(deps.Normalizer, deps.Artifacts, deps.Broker, cfg.AnnotateQueue, logger), cfg.CleanQueue),
			worker(NewAnnotate(deps.Annotator, deps.Artifacts, deps.Advancer, logger), cfg.AnnotateQueue),
		},
		logger: logger.With("component", "pipeline"),
	}, nil
}

// Workers returns the stage workers in pipeline order.
func (p *Pipeline) Workers() []*Worker {
	return p.workers
}

// Run starts every stage worker and blocks until ctx is cancelled or one of
// them fails. A failing worker stops the others and its error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "stages", len(p.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil {
		p.logger.Error("pipeline stopped on fatal error", "error", err)
		return err
	}
	p.logger.Info("pipeline stopped")
	return nil
}
