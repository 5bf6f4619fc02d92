// Package scheduler triggers incremental extraction runs per source.
//
// Each registered source gets its own timer. A fire starts a run on its own
// goroutine unless a run for the same source is still in flight, in which
// case the fire is coalesced. Backfill sources run exactly once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/source"
	"github.com/janovincze/tidings/internal/metrics"
)

// Run modes, used as metric labels.
const (
	ModeInterval = "interval"
	ModeCron     = "cron"
	ModeBackfill = "backfill"
)

// CheckpointReader loads the stored checkpoint of a source.
type CheckpointReader interface {
	Load(ctx context.Context, sourceID string) (*ingest.Checkpoint, error)
}

// Publisher enqueues extracted items.
type Publisher interface {
	Publish(ctx context.Context, name string, msg *ingest.Message) error
}

// Config holds scheduler configuration.
type Config struct {
	// Queue receives extracted items.
	Queue string
}

// RunResult summarizes one extraction run.
type RunResult struct {
	SourceID  string
	Resume    int64
	Published int
	Skipped   int
	Errors    int
	Duration  time.Duration
}

// SourceStatus is a snapshot of one source's scheduling state.
type SourceStatus struct {
	SourceID      string    `json:"source_id"`
	Mode          string    `json:"mode"`
	InFlight      bool      `json:"in_flight"`
	Runs          int64     `json:"runs"`
	SkippedFires  int64     `json:"skipped_fires"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastPublished int       `json:"last_published"`
	LastError     string    `json:"last_error,omitempty"`
	NextFireAt    time.Time `json:"next_fire_at,omitempty"`
	Done          bool      `json:"done"`
}

type entry struct {
	cfg       ingest.SourceConfig
	extractor source.Extractor
	schedule  cron.Schedule
	mode      string
	inFlight  atomic.Bool

	mu     sync.Mutex
	status SourceStatus
}

// Scheduler owns the per-source timers.
type Scheduler struct {
	checkpoints CheckpointReader
	pub         Publisher
	config      Config
	logger      *slog.Logger

	mu      sync.Mutex
	sources map[string]*entry
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	runs    sync.WaitGroup
}

// New creates a scheduler. Items are published to cfg.Queue.
func New(checkpoints CheckpointReader, pub Publisher, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = queue.RawItems
	}
	return &Scheduler{
		checkpoints: checkpoints,
		pub:         pub,
		config:      cfg,
		sources:     make(map[string]*entry),
		logger:      logger.With("component", "scheduler"),
	}
}

// Register adds a source. It must be called before Start.
func (s *Scheduler) Register(cfg ingest.SourceConfig, extractor source.Extractor) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if extractor == nil {
		return fmt.Errorf("source %s: extractor is required", cfg.ID)
	}

	e := &entry{cfg: cfg, extractor: extractor}
	switch {
	case cfg.IsBackfill():
		e.mode = ModeBackfill
	case cfg.Cron != "":
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		e.schedule = sched
		e.mode = ModeCron
	default:
		e.schedule = Every(cfg.Interval)
		e.mode = ModeInterval
	}
	e.status = SourceStatus{SourceID: cfg.ID, Mode: e.mode}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source %s: scheduler already started", cfg.ID)
	}
	if _, ok := s.sources[cfg.ID]; ok {
		return fmt.Errorf("source %s: already registered", cfg.ID)
	}
	s.sources[cfg.ID] = e
	return nil
}

// Start arms one timer per source. Every source fires immediately once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.sources {
		s.loops.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("scheduler started", "sources", len(s.sources))
	return nil
}

// Stop cancels all timers and in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	cancel()
	s.loops.Wait()
	s.runs.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of every source, sorted by source ID.
func (s *Scheduler) Status() []SourceStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sources))
	for _, e := range s.sources {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]SourceStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		st.InFlight = e.inFlight.Load()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// RunOnce runs one extraction for a registered source synchronously. It
// returns ingest.ErrConcurrentRunSkipped if a run is already in flight.
func (s *Scheduler) RunOnce(ctx context.Context, sourceID string) (RunResult, error) {
	s.mu.Lock()
	e, ok := s.sources[sourceID]
	s.mu.Unlock()
	if !ok {
		return RunResult{}, fmt.Errorf("source %s is not registered", sourceID)
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return RunResult{}, ingest.ErrConcurrentRunSkipped
	}
	defer e.inFlight.Store(false)
	return s.run(ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.loops.Done()

	prev := time.Now()
	s.fire(ctx, e)
	if e.mode == ModeBackfill {
		return
	}

	for {
		next := nextFire(e.schedule, prev, time.Now())
		e.mu.Lock()
		e.status.NextFireAt = next
		e.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			prev = next
			s.fire(ctx, e)
		}
	}
}

// fire starts a run on its own goroutine unless one is in flight. It never
// blocks the timer loop.
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if !e.inFlight.CompareAndSwap(false, true) {
		metrics.SchedulerSkippedTotal.WithLabelValues(e.cfg.ID).Inc()
		e.mu.Lock()
		e.status.SkippedFires++
		e.mu.Unlock()
		s.logger.Info("trigger coalesced", "source_id", e.cfg.ID, "reason", ingest.ErrConcurrentRunSkipped)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer e.inFlight.Store(false)
		s.run(ctx, e)
	}()
}

// run extracts and publishes everything newer than the resume point. The
// caller holds the in-flight flag.
func (s *Scheduler) run(ctx context.Context, e *entry) (RunResult, error) {
	logger := s.logger.With("source_id", e.cfg.ID, "mode", e.mode)
	start := time.Now()

	res, err := s.extract(ctx, e, logger)
	res.Duration = time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SchedulerRunsTotal.WithLabelValues(e.cfg.ID, e.mode, status).Inc()
	metrics.SchedulerRunDuration.WithLabelValues(e.cfg.ID).Observe(res.Duration.Seconds())

	e.mu.Lock()
	e.status.Runs++
	e.status.LastRunAt = start
	e.status.LastPublished = res.Published
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	if e.mode == ModeBackfill {
		e.status.Done = true
	}
	e.mu.Unlock()

	if err != nil {
		logger.Error("extraction run failed",
			"error", err,
			"resume_timestamp", res.Resume,
			"published", res.Published,
		)
		return res, err
	}
	logger.Info("extraction run completed",
		"resume_timestamp", res.Resume,
		"published", res.Published,
		"skipped", res.Skipped,
		"duration", res.Duration,
	)
	return res, nil
}

func (s *Scheduler) extract(ctx context.Context, e *entry, logger *slog.Logger) (RunResult, error) {
	res := RunResult{SourceID: e.cfg.ID}

	resume, err := s.resumePoint(ctx, e.cfg)
	if err != nil {
		return res, err
	}
	res.Resume = resume
	req := source.Request{SourceID: e.cfg.ID, Resume: resume, End: e.cfg.EndTimestamp}

	var extractErrs []error
	for item, err := range e.extractor.Extract(ctx, req) {
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			extractErrs = append(extractErrs, err)
			logger.Warn("extraction error", "error", err)
			continue
		}

		ts, ok := item.Timestamp()
		if ok && !req.Accept(ts) {
			res.Skipped++
			continue
		}

		url := item.URL()
		msg := &ingest.Message{
			CorrelationID: ingest.CorrelationID(e.cfg.ID, url),
			SourceID:      e.cfg.ID,
			ItemTimestamp: ts,
			Payload:       map[string]any(item),
		}
		if err := s.pub.Publish(ctx, s.config.Queue, msg); err != nil {
			return res, fmt.Errorf("publish item %s: %w", url, err)
		}
		res.Published++
		metrics.SchedulerItemsTotal.WithLabelValues(e.cfg.ID).Inc()
		logger.Debug("item published", "correlation_id", msg.CorrelationID, "item_timestamp", ts)
	}

	if len(extractErrs) > 0 {
		return res, ingest.Capability("", fmt.Errorf("extract: %w", errors.Join(extractErrs...)))
	}
	return res, nil
}

// resumePoint is the stored checkpoint, raised to the configured initial
// resume timestamp when that is larger.
func (s *Scheduler) resumePoint(ctx context.Context, cfg ingest.SourceConfig) (int64, error) {
	var resume int64
	cp, err := s.checkpoints.Load(ctx, cfg.ID)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil {
		resume = cp.LastTimestamp
	}
	if cfg.ResumeTimestamp != nil && *cfg.ResumeTimestamp > resume {
		resume = *cfg.ResumeTimestamp
	}
	return resume, nil
}
