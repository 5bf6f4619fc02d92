package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/annotate"
	"github.com/janovincze/tidings/internal/ingest/artifact"
	"github.com/janovincze/tidings/internal/ingest/checkpoint"
	"github.com/janovincze/tidings/internal/ingest/deadletter"
	"github.com/janovincze/tidings/internal/ingest/normalize"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/retry"
)

type harness struct {
	broker      *queue.MemoryBroker
	artifacts   *artifact.FileStore
	checkpoints *checkpoint.MemoryStore
	deadLetters *deadletter.FileManager
	root        string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	arts, err := artifact.NewFileStore(filepath.Join(root, "artifacts"), nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	dlq, err := deadletter.NewFileManager(filepath.Join(root, "deadletter"), nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}
	return &harness{
		broker:      queue.NewMemoryBroker(nil),
		artifacts:   arts,
		checkpoints: checkpoint.NewMemoryStore(),
		deadLetters: dlq,
		root:        root,
	}
}

func (h *harness) deps(a annotate.Annotator) Deps {
	return Deps{
		Broker:      h.broker,
		Artifacts:   h.artifacts,
		Normalizer:  normalize.NewTextCleaner(),
		Annotator:   a,
		Advancer:    checkpoint.NewAdvancer(h.checkpoints, nil),
		DeadLetters: h.deadLetters,
	}
}

func (h *harness) publishItem(t *testing.T, sourceID, url string, ts int64) {
	t.Helper()
	msg := &ingest.Message{
		CorrelationID: ingest.CorrelationID(sourceID, url),
		SourceID:      sourceID,
		Payload: map[string]any{
			ingest.FieldURL:       url,
			ingest.FieldTimestamp: ts,
			ingest.FieldTitle:     "<b>خبر</b>  ۱۲",
			ingest.FieldContent:   "متن   خبر",
		},
	}
	if err := h.broker.Publish(context.Background(), queue.RawItems, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func (h *harness) checkpoint(t *testing.T, sourceID string) int64 {
	t.Helper()
	ts, err := checkpoint.LastTimestamp(context.Background(), h.checkpoints, sourceID)
	if err != nil {
		t.Fatalf("LastTimestamp() error = %v", err)
	}
	return ts
}

func (h *harness) files(t *testing.T, dir artifact.Dir) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(h.root, "artifacts", string(dir)))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	return names
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

// runUntil runs fn in the background until cond holds, then cancels it and
// returns fn's error.
func runUntil(t *testing.T, fn func(ctx context.Context) error, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case err := <-done:
			return err
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	return <-done
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	p, err := New(h.deps(annotate.NewStatic("neutral")), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h.publishItem(t, "wire-a", "https://wire-a.test/1", 100)
	h.publishItem(t, "wire-a", "https://wire-a.test/2", 200)

	err = runUntil(t, p.Run, func() bool {
		return len(h.files(t, artifact.DirAnnotated)) == 2 && h.checkpoint(t, "wire-a") == 200
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, dir := range []artifact.Dir{artifact.DirRaw, artifact.DirClean, artifact.DirAnnotated} {
		if got := len(h.files(t, dir)); got != 2 {
			t.Errorf("%s artifacts = %d, want 2", dir, got)
		}
	}

	name := ingest.ArtifactName("wire-a", "https://wire-a.test/2")
	data, err := h.artifacts.Read(context.Background(), artifact.DirAnnotated, name)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var final map[string]any
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	ann, _ := final["annotation"].(map[string]any)
	if ann["label"] != "neutral" {
		t.Errorf("annotation = %v, want label neutral", final["annotation"])
	}
	if final[ingest.FieldTitle] != "خبر 12" {
		t.Errorf("title = %q, want normalized text", final[ingest.FieldTitle])
	}

	for _, q := range []string{queue.RawItems, queue.CleanItems, queue.AnnotateItems} {
		if n := h.broker.Len(q) + h.broker.Unacked(q); n != 0 {
			t.Errorf("queue %s holds %d messages, want 0", q, n)
		}
	}
	for _, w := range p.Workers() {
		if w.State() != StateStopped {
			t.Errorf("%s worker state = %v, want stopped", w.Stage(), w.State())
		}
	}
}

func TestPipeline_OutOfOrderKeepsNewest(t *testing.T) {
	h := newHarness(t)
	p, err := New(h.deps(annotate.NewStatic("neutral")), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h.publishItem(t, "wire-a", "https://wire-a.test/new", 200)
	h.publishItem(t, "wire-a", "https://wire-a.test/old", 100)

	err = runUntil(t, p.Run, func() bool {
		return len(h.files(t, artifact.DirAnnotated)) == 2
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.checkpoint(t, "wire-a"); got != 200 {
		t.Errorf("checkpoint = %d, want 200", got)
	}
}

func TestPipeline_MalformedItemIsDropped(t *testing.T) {
	h := newHarness(t)
	p, err := New(h.deps(annotate.NewStatic("neutral")), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	bad := &ingest.Message{
		CorrelationID: "bad",
		SourceID:      "wire-a",
		Payload:       map[string]any{ingest.FieldTitle: "no url or timestamp"},
	}
	if err := h.broker.Publish(context.Background(), queue.RawItems, bad); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	err = runUntil(t, p.Run, func() bool {
		n, _ := h.deadLetters.Count(context.Background())
		return n == 1
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	entries, err := h.deadLetters.Read(context.Background(), 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Stage != ingest.StageCapture || entries[0].ErrorType != "malformed" {
		t.Errorf("dead letters = %+v", entries)
	}
	if got := h.checkpoint(t, "wire-a"); got != 0 {
		t.Errorf("checkpoint = %d, want untouched", got)
	}
	if h.broker.Len(queue.RawItems) != 0 || h.broker.Len(queue.CleanItems) != 0 {
		t.Error("poison message should be acknowledged and not forwarded")
	}
	if got := len(h.files(t, artifact.DirRaw)); got != 0 {
		t.Errorf("raw artifacts = %d, want 0", got)
	}
}

// flakyPublisher fails the first n publishes.
type flakyPublisher struct {
	next queue.Broker

	mu    sync.Mutex
	fails int
}

func (f *flakyPublisher) Publish(ctx context.Context, name string, msg *ingest.Message) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("broker unavailable")
	}
	f.mu.Unlock()
	return f.next.Publish(ctx, name, msg)
}

func TestWorker_PersistenceFailureIsNotAcked(t *testing.T) {
	h := newHarness(t)
	pub := &flakyPublisher{next: h.broker, fails: 1}
	w := NewWorker(NewCapture(h.artifacts, pub, queue.CleanItems, nil), h.broker, h.deadLetters,
		WorkerConfig{Queue: queue.RawItems, Prefetch: 1}, nil)

	h.publishItem(t, "wire-a", "https://wire-a.test/1", 100)

	err := w.Run(context.Background())
	if !errors.Is(err, ingest.ErrPersistence) {
		t.Fatalf("Run() error = %v, want persistence error", err)
	}
	if w.State() != StateFailed {
		t.Errorf("state = %v, want failed", w.State())
	}
	if h.broker.Len(queue.RawItems) != 1 {
		t.Fatalf("raw queue = %d, want the unacknowledged message back", h.broker.Len(queue.RawItems))
	}

	// Operator restarts the worker; the redelivered message completes.
	err = runUntil(t, w.Run, func() bool {
		return h.broker.Len(queue.CleanItems) == 1
	})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := h.files(t, artifact.DirRaw); len(got) != 1 {
		t.Errorf("raw artifacts = %v, want exactly one", got)
	}
	if h.broker.Len(queue.RawItems) != 0 {
		t.Error("message should be acknowledged after the retry")
	}
	if s := w.Stats(); s.Redeliveries != 1 || s.Processed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

// failingAnnotator fails the first n calls, or every call when n < 0.
type failingAnnotator struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *failingAnnotator) Annotate(ctx context.Context, rec annotate.Record) (annotate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails < 0 || f.calls <= f.fails {
		return nil, annotate.ErrMalformedOutput
	}
	return annotate.Result{"label": "neutral"}, nil
}

func TestPipeline_CapabilityErrorIsRedelivered(t *testing.T) {
	h := newHarness(t)
	ann := &failingAnnotator{fails: 2}
	p, err := New(h.deps(ann), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h.publishItem(t, "wire-a", "https://wire-a.test/1", 100)

	err = runUntil(t, p.Run, func() bool {
		return h.checkpoint(t, "wire-a") == 100
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	annotator := p.Workers()[2]
	if s := annotator.Stats(); s.Requeued != 2 || s.Redeliveries != 2 || len(s.Attempts) != 0 {
		t.Errorf("annotate stats = %+v", s)
	}
	if n, _ := h.deadLetters.Count(context.Background()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestPipeline_CapabilityRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.MaxCapabilityAttempts = 3
	p, err := New(h.deps(&failingAnnotator{fails: -1}), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h.publishItem(t, "wire-a", "https://wire-a.test/1", 100)

	err = runUntil(t, p.Run, func() bool {
		n, _ := h.deadLetters.Count(context.Background())
		return n == 1
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	entries, _ := h.deadLetters.Read(context.Background(), 0)
	if len(entries) != 1 || entries[0].ErrorType != "capability" || entries[0].Stage != ingest.StageAnnotate {
		t.Errorf("dead letters = %+v", entries)
	}
	if got := h.checkpoint(t, "wire-a"); got != 0 {
		t.Errorf("checkpoint = %d, want untouched", got)
	}
}

// failingAdvancer always fails.
type failingAdvancer struct{}

func (failingAdvancer) Advance(ctx context.Context, sourceID string, candidate int64) (bool, error) {
	return false, errors.New("disk full")
}

func TestAnnotate_CheckpointFailureIsPersistence(t *testing.T) {
	h := newHarness(t)
	stage := NewAnnotate(annotate.NewStatic("neutral"), h.artifacts, failingAdvancer{}, nil)
	msg := &ingest.Message{
		SourceID:      "wire-a",
		ItemTimestamp: 100,
		Artifact:      "wire-a-x.json",
		Payload:       map[string]any{ingest.FieldTitle: "t"},
	}

	p := newProgress(nil)
	err := stage.Process(context.Background(), msg, p)
	if !errors.Is(err, ingest.ErrPersistence) {
		t.Fatalf("Process() error = %v, want persistence error", err)
	}
	if p.Step() != StepPersisted || p.Settled() {
		t.Errorf("step = %v, want persisted and unsettled", p.Step())
	}
}

func TestStages_UnsafeIdentifiersAreMalformed(t *testing.T) {
	h := newHarness(t)
	capture := NewCapture(h.artifacts, h.broker, "", nil)
	norm := NewNormalize(normalize.NewTextCleaner(), h.artifacts, h.broker, "", nil)
	ann := NewAnnotate(annotate.NewStatic("neutral"), h.artifacts, failingAdvancer{}, nil)
	item := map[string]any{ingest.FieldURL: "https://wire-a.example/1", ingest.FieldTimestamp: 100}

	tests := []struct {
		name string
		proc Processor
		msg  ingest.Message
	}{
		{"capture missing source", capture, ingest.Message{Payload: item}},
		{"capture source with slash", capture, ingest.Message{SourceID: "a/b", Payload: item}},
		{"capture source with backslash", capture, ingest.Message{SourceID: `a\b`, Payload: item}},
		{"normalize missing artifact", norm, ingest.Message{SourceID: "wire-a"}},
		{"normalize traversal", norm, ingest.Message{SourceID: "wire-a", Artifact: "../escape.json"}},
		{"normalize dot dot", norm, ingest.Message{SourceID: "wire-a", Artifact: ".."}},
		{"annotate missing artifact", ann, ingest.Message{SourceID: "wire-a"}},
		{"annotate artifact with slash", ann, ingest.Message{SourceID: "wire-a", Artifact: "x/y.json"}},
		{"annotate source with slash", ann, ingest.Message{SourceID: "a/b", Artifact: "a-1.json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			err := tt.proc.Process(context.Background(), &msg, newProgress(nil))
			if !errors.Is(err, ingest.ErrMalformedPayload) {
				t.Errorf("Process() error = %v, want malformed", err)
			}
		})
	}
}

func TestPipeline_UnsafeSourceIDIsDropped(t *testing.T) {
	h := newHarness(t)
	p, err := New(h.deps(annotate.NewStatic("neutral")), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.publishItem(t, "a/b", "https://wire-a.example/1", 100)

	err = runUntil(t, p.Run, func() bool {
		n, _ := h.deadLetters.Count(context.Background())
		return n == 1
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want the message dropped", err)
	}
	if h.broker.Len(queue.RawItems) != 0 || h.broker.Len(queue.CleanItems) != 0 {
		t.Error("message with an unsafe source_id should be acknowledged and not forwarded")
	}
	entries, err := h.deadLetters.Read(context.Background(), 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ErrorType != "malformed" {
		t.Errorf("dead letters = %+v", entries)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	h := newHarness(t)
	deps := h.deps(annotate.NewStatic("neutral"))
	deps.Annotator = nil
	if _, err := New(deps, DefaultConfig(), nil); err == nil {
		t.Error("expected error for missing annotator")
	}
}
