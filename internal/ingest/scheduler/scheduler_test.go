package scheduler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/checkpoint"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/source"
)

func int64p(v int64) *int64 { return &v }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// slowExtractor blocks every run for delay and records the highest number of
// concurrent runs it observed.
type slowExtractor struct {
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (s *slowExtractor) Extract(ctx context.Context, req source.Request) iter.Seq2[ingest.Item, error] {
	return func(yield func(ingest.Item, error) bool) {
		n := s.active.Add(1)
		defer s.active.Add(-1)
		s.calls.Add(1)
		for {
			m := s.maxSeen.Load()
			if n <= m || s.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			yield(nil, ctx.Err())
		}
	}
}

func TestScheduler_NoOverlappingRuns(t *testing.T) {
	ext := &slowExtractor{delay: 60 * time.Millisecond}
	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	if err := s.Register(ingest.SourceConfig{ID: "slow", Interval: 2 * time.Millisecond}, ext); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return ext.calls.Load() >= 3 })
	s.Stop()

	if got := ext.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
	st := s.Status()[0]
	if st.SkippedFires == 0 {
		t.Error("expected coalesced fires while a run was in flight")
	}
	if st.InFlight {
		t.Error("in-flight flag must be released after Stop")
	}
}

func TestScheduler_BackfillRunsOnce(t *testing.T) {
	var calls atomic.Int32
	var got source.Request
	ext := source.ExtractorFunc(func(ctx context.Context, req source.Request) iter.Seq2[ingest.Item, error] {
		calls.Add(1)
		got = req
		return func(yield func(ingest.Item, error) bool) {}
	})

	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	cfg := ingest.SourceConfig{
		ID:              "archive",
		ResumeTimestamp: int64p(100),
		EndTimestamp:    int64p(500),
	}
	if err := s.Register(cfg, ext); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return s.Status()[0].Done })
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if n := calls.Load(); n != 1 {
		t.Errorf("backfill runs = %d, want 1", n)
	}
	if got.Resume != 100 || got.End == nil || *got.End != 500 {
		t.Errorf("request = %+v, want resume 100 end 500", got)
	}
	if st := s.Status()[0]; st.Mode != ModeBackfill || st.Runs != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestScheduler_FailingRunDoesNotStopScheduler(t *testing.T) {
	var calls atomic.Int32
	ext := source.ExtractorFunc(func(ctx context.Context, req source.Request) iter.Seq2[ingest.Item, error] {
		calls.Add(1)
		return func(yield func(ingest.Item, error) bool) {
			yield(nil, errors.New("listing unavailable"))
		}
	})

	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	if err := s.Register(ingest.SourceConfig{ID: "flaky", Interval: 2 * time.Millisecond}, ext); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return calls.Load() >= 3 })

	if !s.IsRunning() {
		t.Error("scheduler should keep running after failed runs")
	}
	s.Stop()
	if st := s.Status()[0]; st.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestScheduler_ResumePoint(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint int64
		configured *int64
		want       int64
	}{
		{"no checkpoint", 0, nil, 0},
		{"checkpoint only", 150, nil, 150},
		{"checkpoint wins", 150, int64p(100), 150},
		{"configured start wins", 150, int64p(300), 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := checkpoint.NewMemoryStore()
			if tt.checkpoint > 0 {
				if _, err := store.Advance(context.Background(), "src", tt.checkpoint); err != nil {
					t.Fatalf("Advance() error = %v", err)
				}
			}

			var got int64
			ext := source.ExtractorFunc(func(ctx context.Context, req source.Request) iter.Seq2[ingest.Item, error] {
				got = req.Resume
				return func(yield func(ingest.Item, error) bool) {}
			})

			s := New(store, queue.NewMemoryBroker(nil), Config{}, nil)
			cfg := ingest.SourceConfig{ID: "src", Interval: time.Hour, ResumeTimestamp: tt.configured}
			if err := s.Register(cfg, ext); err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			res, err := s.RunOnce(context.Background(), "src")
			if err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if got != tt.want || res.Resume != tt.want {
				t.Errorf("resume = %d (result %d), want %d", got, res.Resume, tt.want)
			}
		})
	}
}

func TestScheduler_RunOncePublishesNewItems(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	store.Advance(context.Background(), "wire-a", 150)
	broker := queue.NewMemoryBroker(nil)

	ext := &source.Static{Items: []ingest.Item{
		{ingest.FieldURL: "https://wire-a.test/1", ingest.FieldTimestamp: int64(100)},
		{ingest.FieldURL: "https://wire-a.test/2", ingest.FieldTimestamp: int64(200)},
		{ingest.FieldURL: "https://wire-a.test/3", ingest.FieldTimestamp: int64(300)},
	}}

	s := New(store, broker, Config{Queue: queue.RawItems}, nil)
	if err := s.Register(ingest.SourceConfig{ID: "wire-a", Interval: time.Hour}, ext); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	res, err := s.RunOnce(context.Background(), "wire-a")
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Published != 2 || broker.Len(queue.RawItems) != 2 {
		t.Fatalf("published = %d, queue = %d, want 2", res.Published, broker.Len(queue.RawItems))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var seen []*ingest.Message
	broker.Consume(ctx, queue.RawItems, 1, func(ctx context.Context, msg *ingest.Message, d queue.Delivery) error {
		mu.Lock()
		seen = append(seen, msg)
		n := len(seen)
		mu.Unlock()
		d.Ack()
		if n == 2 {
			cancel()
		}
		return nil
	})

	if seen[0].ItemTimestamp != 300 || seen[1].ItemTimestamp != 200 {
		t.Errorf("published order = %d, %d, want newest first", seen[0].ItemTimestamp, seen[1].ItemTimestamp)
	}
	if want := ingest.CorrelationID("wire-a", "https://wire-a.test/3"); seen[0].CorrelationID != want {
		t.Errorf("correlation id = %s, want %s", seen[0].CorrelationID, want)
	}
}

func TestScheduler_RunOnceWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ext := source.ExtractorFunc(func(ctx context.Context, req source.Request) iter.Seq2[ingest.Item, error] {
		return func(yield func(ingest.Item, error) bool) {
			close(started)
			<-release
		}
	})

	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	s.Register(ingest.SourceConfig{ID: "src", Interval: time.Hour}, ext)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background(), "src")
		done <- err
	}()
	<-started

	if _, err := s.RunOnce(context.Background(), "src"); !errors.Is(err, ingest.ErrConcurrentRunSkipped) {
		t.Errorf("RunOnce() error = %v, want ErrConcurrentRunSkipped", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error = %v", err)
	}
	if s.Status()[0].InFlight {
		t.Error("in-flight flag must be released after the run")
	}
}

func TestScheduler_StopAbortsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	ext := source.ExtractorFunc(func(ctx context.Context, req source.Request) iter.Seq2[ingest.Item, error] {
		return func(yield func(ingest.Item, error) bool) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	})

	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	s.Register(ingest.SourceConfig{ID: "src", Interval: time.Hour}, ext)
	s.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
	if s.Status()[0].InFlight {
		t.Error("in-flight flag must be released after Stop")
	}
}

func TestScheduler_Register(t *testing.T) {
	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	ext := &source.Static{}

	if err := s.Register(ingest.SourceConfig{ID: "a", Interval: time.Minute}, ext); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name string
		cfg  ingest.SourceConfig
	}{
		{"duplicate", ingest.SourceConfig{ID: "a", Interval: time.Minute}},
		{"missing interval", ingest.SourceConfig{ID: "b"}},
		{"bad cron", ingest.SourceConfig{ID: "c", Cron: "every tuesday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Register(tt.cfg, ext); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := s.Register(ingest.SourceConfig{ID: "d", Cron: "*/15 * * * *"}, ext); err != nil {
		t.Errorf("Register() cron error = %v", err)
	}
	if err := s.Register(ingest.SourceConfig{ID: "e", Interval: time.Minute}, nil); err == nil {
		t.Error("expected error for nil extractor")
	}
}

func TestSchedules(t *testing.T) {
	base := time.Date(2025, 12, 1, 10, 7, 0, 0, time.UTC)

	if got := Every(90 * time.Millisecond).Next(base); !got.Equal(base.Add(90 * time.Millisecond)) {
		t.Errorf("Every().Next() = %v", got)
	}

	sched, err := ParseCron("*/15 * * * *")
	if err != nil {
		t.Fatalf("ParseCron() error = %v", err)
	}
	if got, want := sched.Next(base), time.Date(2025, 12, 1, 10, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}

	if _, err := ParseCron("@hourly"); err != nil {
		t.Errorf("ParseCron(@hourly) error = %v", err)
	}
	if _, err := ParseCron("61 * * * *"); err == nil {
		t.Error("expected error for out-of-range minute")
	}
}

func TestNextFire_IntervalStaysOnGrid(t *testing.T) {
	start := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	every := Every(10 * time.Minute)

	tests := []struct {
		name string
		prev time.Time
		now  time.Time
		want time.Time
	}{
		{"timer on time", start, start, start.Add(10 * time.Minute)},
		{"timer late", start, start.Add(3 * time.Second), start.Add(10 * time.Minute)},
		{"one slot missed", start, start.Add(14 * time.Minute), start.Add(20 * time.Minute)},
		{"several slots missed", start, start.Add(47 * time.Minute), start.Add(50 * time.Minute)},
		{"exactly on a later slot", start, start.Add(20 * time.Minute), start.Add(30 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextFire(every, tt.prev, tt.now); !got.Equal(tt.want) {
				t.Errorf("nextFire() = %v, want %v", got, tt.want)
			}
		})
	}

	quarter, err := ParseCron("*/15 * * * *")
	if err != nil {
		t.Fatalf("ParseCron() error = %v", err)
	}
	if got, want := nextFire(quarter, start, start.Add(7*time.Minute)), start.Add(15*time.Minute); !got.Equal(want) {
		t.Errorf("cron nextFire() = %v, want %v", got, want)
	}
}

func TestScheduler_IntervalCadenceDoesNotDrift(t *testing.T) {
	const interval = 10 * time.Millisecond
	ext := &slowExtractor{}
	s := New(checkpoint.NewMemoryStore(), queue.NewMemoryBroker(nil), Config{}, nil)
	if err := s.Register(ingest.SourceConfig{ID: "tick", Interval: interval}, ext); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	var fires []time.Time
	waitFor(t, func() bool {
		next := s.Status()[0].NextFireAt
		if !next.IsZero() && (len(fires) == 0 || !next.Equal(fires[len(fires)-1])) {
			fires = append(fires, next)
		}
		return len(fires) >= 6
	})

	for _, f := range fires[1:] {
		if off := f.Sub(fires[0]) % interval; off != 0 {
			t.Errorf("fire at %v is %v off the %v grid anchored at %v", f, off, interval, fires[0])
		}
	}
}
