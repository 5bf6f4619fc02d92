package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/deadletter"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/retry"
	"github.com/janovincze/tidings/internal/metrics"
)

// Processor performs one stage's work on a message. It marks progress as it
// goes and must reach StepForwarded or StepFinalized before returning nil.
// Errors are classified with ingest.Malformed, ingest.Capability and
// ingest.Persistence.
type Processor interface {
	Stage() ingest.Stage
	Process(ctx context.Context, msg *ingest.Message, p *Progress) error
}

// WorkerConfig holds stage worker configuration.
type WorkerConfig struct {
	// Queue is the input queue name.
	Queue string

	// Prefetch is the number of unacknowledged messages held at once.
	Prefetch int

	// Backoff is the delay policy applied before requeueing a message whose
	// capability failed.
	Backoff retry.Policy

	// MaxCapabilityAttempts dead-letters a message after this many capability
	// failures seen by this worker (0 = retry forever).
	MaxCapabilityAttempts int

	// DeadLetterRetention is how long dead-letter entries are kept (0 = forever).
	DeadLetterRetention time.Duration
}

// Stats holds worker statistics.
type Stats struct {
	Processed     int64
	Poison        int64
	Requeued      int64
	Redeliveries  int64
	LastMessageAt time.Time
	LastError     string
	LastErrorAt   time.Time

	// Attempts counts capability failures per correlation ID for messages
	// not yet settled.
	Attempts map[string]int
}

// Worker consumes one queue and drives a Processor with at-least-once
// semantics: a message is acknowledged only after the processor settled it.
type Worker struct {
	proc        Processor
	broker      queue.Broker
	deadLetters deadletter.Manager
	config      WorkerConfig
	state       *StateMachine
	logger      *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	stats    Stats
}

// NewWorker creates a worker for proc. deadLetters may be nil, in which case
// poison messages are only logged.
func NewWorker(proc Processor, broker queue.Broker, deadLetters deadletter.Manager, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}

	w := &Worker{
		proc:        proc,
		broker:      broker,
		deadLetters: deadLetters,
		config:      cfg,
		state:       NewStateMachine(),
		attempts:    make(map[string]int),
		logger:      logger.With("component", "stage-worker", "stage", string(proc.Stage()), "queue", cfg.Queue),
	}
	w.state.AddListener(func(from, to State) {
		w.logger.Info("worker state changed", "from", from.String(), "to", to.String())
	})
	return w
}

// Stage returns the stage the worker runs.
func (w *Worker) Stage() ingest.Stage {
	return w.proc.Stage()
}

// State returns the worker lifecycle state.
func (w *Worker) State() State {
	return w.state.State()
}

// Stats returns a snapshot of the worker statistics.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Attempts = make(map[string]int, len(w.attempts))
	for k, v := range w.attempts {
		s.Attempts[k] = v
	}
	return s
}

// Run consumes until ctx is cancelled, returning nil, or until a fatal error,
// returning it. A persistence error is fatal.
func (w *Worker) Run(ctx context.Context) error {
	if w.state.IsTerminal() {
		if err := w.state.Transition(StateStarting); err != nil {
			return err
		}
	}

	if err := w.broker.Declare(ctx, w.config.Queue); err != nil {
		w.state.Transition(StateFailed)
		return fmt.Errorf("declare queue %s: %w", w.config.Queue, err)
	}
	if err := w.state.Transition(StateRunning); err != nil {
		return err
	}

	err := w.broker.Consume(ctx, w.config.Queue, w.config.Prefetch, w.handle)
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		w.state.Transition(StateStopping)
		w.state.Transition(StateStopped)
		return nil
	}

	w.state.Transition(StateFailed)
	if err == nil {
		err = errors.New("consumer ended unexpectedly")
	}
	w.logger.Error("stage worker failed", "error", err, "error_type", ingest.ErrorKind(err))
	return fmt.Errorf("%s worker: %w", w.proc.Stage(), err)
}

func (w *Worker) handle(ctx context.Context, msg *ingest.Message, d queue.Delivery) error {
	stage := string(w.proc.Stage())
	logger := w.logger.With("correlation_id", msg.CorrelationID, "source_id", msg.SourceID)
	progress := newProgress(logger)
	logger.Debug("message step", "step", StepReceived.String(), "redelivered", d.Redelivered())

	if d.Redelivered() {
		w.mu.Lock()
		w.stats.Redeliveries++
		w.mu.Unlock()
	}

	start := time.Now()
	err := w.proc.Process(ctx, msg, progress)
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if err == nil && !progress.Settled() {
		err = ingest.Persistence(w.proc.Stage(), fmt.Errorf("processor returned at step %s without settling", progress.Step()))
	}

	switch {
	case err == nil:
		if ackErr := d.Ack(); ackErr != nil {
			return fmt.Errorf("ack message %s: %w", msg.CorrelationID, ackErr)
		}
		progress.Mark(StepAcked)
		w.settled(msg, "ok")
		return nil

	case ctx.Err() != nil:
		// Shutting down: leave the message for redelivery.
		return ctx.Err()

	case errors.Is(err, ingest.ErrMalformedPayload):
		w.failed(err)
		return w.drop(ctx, msg, d, err, logger)

	case errors.Is(err, ingest.ErrCapability):
		return w.requeue(ctx, msg, d, err, logger)

	default:
		w.failed(err)
		logger.Error("persistence failure, leaving message unacknowledged",
			"error", err,
			"step", progress.Step().String(),
		)
		return err
	}
}

// drop dead-letters a poison message and acknowledges it.
func (w *Worker) drop(ctx context.Context, msg *ingest.Message, d queue.Delivery, cause error, logger *slog.Logger) error {
	stage := w.proc.Stage()
	logger.Warn("dropping poison message", "error", cause, "error_type", ingest.ErrorKind(cause))

	if w.deadLetters != nil {
		entry, err := deadletter.FromMessage(msg, stage, cause, w.config.DeadLetterRetention)
		if err != nil {
			return ingest.Persistence(stage, fmt.Errorf("build dead-letter entry: %w", err))
		}
		if err := w.deadLetters.Write(ctx, entry); err != nil {
			w.failed(err)
			return ingest.Persistence(stage, fmt.Errorf("write dead-letter entry: %w", err))
		}
	}

	if err := d.Ack(); err != nil {
		return fmt.Errorf("ack poison message %s: %w", msg.CorrelationID, err)
	}
	metrics.PipelinePoisonTotal.WithLabelValues(string(stage)).Inc()
	w.settled(msg, "dropped")
	w.mu.Lock()
	w.stats.Poison++
	w.mu.Unlock()
	return nil
}

// requeue waits out the backoff delay and returns the message to its queue.
func (w *Worker) requeue(ctx context.Context, msg *ingest.Message, d queue.Delivery, cause error, logger *slog.Logger) error {
	w.mu.Lock()
	w.attempts[msg.CorrelationID]++
	attempt := w.attempts[msg.CorrelationID]
	w.stats.Requeued++
	w.mu.Unlock()
	w.failed(cause)

	if w.config.MaxCapabilityAttempts > 0 && attempt >= w.config.MaxCapabilityAttempts {
		logger.Warn("capability retries exhausted", "attempts", attempt)
		return w.drop(ctx, msg, d, cause, logger)
	}

	delay := w.config.Backoff.Backoff(attempt)
	logger.Warn("capability failure, requeueing after backoff",
		"error", cause,
		"attempt", attempt,
		"delay", delay,
	)
	metrics.PipelineMessagesTotal.WithLabelValues(string(w.proc.Stage()), "requeued").Inc()

	if err := retry.Sleep(ctx, delay); err != nil {
		return err
	}
	if err := d.Reject(true); err != nil {
		return fmt.Errorf("requeue message %s: %w", msg.CorrelationID, err)
	}
	return nil
}

func (w *Worker) settled(msg *ingest.Message, status string) {
	metrics.PipelineMessagesTotal.WithLabelValues(string(w.proc.Stage()), status).Inc()
	w.mu.Lock()
	delete(w.attempts, msg.CorrelationID)
	w.stats.Processed++
	w.stats.LastMessageAt = time.Now()
	w.mu.Unlock()
}

func (w *Worker) failed(err error) {
	metrics.PipelineErrorsTotal.WithLabelValues(string(w.proc.Stage()), ingest.ErrorKind(err)).Inc()
	w.mu.Lock()
	w.stats.LastError = err.Error()
	w.stats.LastErrorAt = time.Now()
	w.mu.Unlock()
}
