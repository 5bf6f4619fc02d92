package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/annotate"
	"github.com/janovincze/tidings/internal/ingest/artifact"
	"github.com/janovincze/tidings/internal/ingest/normalize"
	"github.com/janovincze/tidings/internal/ingest/queue"
)

// Publisher forwards a message to a named queue.
type Publisher interface {
	Publish(ctx context.Context, name string, msg *ingest.Message) error
}

// CheckpointAdvancer records that an item was fully processed.
type CheckpointAdvancer interface {
	Advance(ctx context.Context, sourceID string, candidate int64) (bool, error)
}

// Capture persists the extracted item verbatim and forwards it for
// normalization.
type Capture struct {
	store  artifact.Store
	pub    Publisher
	next   string
	logger *slog.Logger
}

// NewCapture creates the raw-capture stage. next is the output queue.
func NewCapture(store artifact.Store, pub Publisher, next string, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	if next == "" {
		next = queue.CleanItems
	}
	return &Capture{store: store, pub: pub, next: next, logger: logger.With("component", "capture")}
}

// Stage implements Processor.
func (c *Capture) Stage() ingest.Stage { return ingest.StageCapture }

// Process implements Processor.
func (c *Capture) Process(ctx context.Context, msg *ingest.Message, p *Progress) error {
	if err := ingest.ValidateSourceID(msg.SourceID); err != nil {
		return ingest.Malformed(ingest.StageCapture, "%v", err)
	}
	item := ingest.Item(msg.Payload)
	ts, ok := item.Timestamp()
	if !ok {
		return ingest.Malformed(ingest.StageCapture, "missing or non-numeric %s", ingest.FieldTimestamp)
	}
	url := item.URL()
	if url == "" {
		return ingest.Malformed(ingest.StageCapture, "missing %s", ingest.FieldURL)
	}

	msg.ItemTimestamp = ts
	msg.Artifact = ingest.ArtifactName(msg.SourceID, url)
	if msg.CorrelationID == "" {
		msg.CorrelationID = ingest.CorrelationID(msg.SourceID, url)
	}
	data, err := artifact.EncodeJSON(msg.Payload)
	if err != nil {
		return ingest.Malformed(ingest.StageCapture, "encode item: %v", err)
	}
	p.Mark(StepTransformed)

	if err := c.store.Write(ctx, artifact.DirRaw, msg.Artifact, data); err != nil {
		return ingest.Persistence(ingest.StageCapture, err)
	}
	p.Mark(StepPersisted)

	msg.Stage = ingest.StageCapture
	if err := c.pub.Publish(ctx, c.next, msg); err != nil {
		return ingest.Persistence(ingest.StageCapture, fmt.Errorf("publish to %s: %w", c.next, err))
	}
	p.Mark(StepForwarded)
	return nil
}

// Normalize cleans the text fields of a captured item.
type Normalize struct {
	normalizer normalize.Normalizer
	store      artifact.Store
	pub        Publisher
	next       string
	logger     *slog.Logger
}

// NewNormalize creates the normalize stage. next is the output queue.
func NewNormalize(n normalize.Normalizer, store artifact.Store, pub Publisher, next string, logger *slog.Logger) *Normalize {
	if logger == nil {
		logger = slog.Default()
	}
	if next == "" {
		next = queue.AnnotateItems
	}
	return &Normalize{normalizer: n, store: store, pub: pub, next: next, logger: logger.With("component", "normalize")}
}

// Stage implements Processor.
func (n *Normalize) Stage() ingest.Stage { return ingest.StageNormalize }

// Process implements Processor.
func (n *Normalize) Process(ctx context.Context, msg *ingest.Message, p *Progress) error {
	if err := artifact.ValidName(msg.Artifact); err != nil {
		return ingest.Malformed(ingest.StageNormalize, "%v", err)
	}

	cleaned, err := n.apply(msg.Payload)
	if err != nil {
		return ingest.Capability(ingest.StageNormalize, err)
	}
	msg.Payload = cleaned
	data, err := artifact.EncodeJSON(msg.Payload)
	if err != nil {
		return ingest.Malformed(ingest.StageNormalize, "encode item: %v", err)
	}
	p.Mark(StepTransformed)

	if err := n.store.Write(ctx, artifact.DirClean, msg.Artifact, data); err != nil {
		return ingest.Persistence(ingest.StageNormalize, err)
	}
	p.Mark(StepPersisted)

	msg.Stage = ingest.StageNormalize
	if err := n.pub.Publish(ctx, n.next, msg); err != nil {
		return ingest.Persistence(ingest.StageNormalize, fmt.Errorf("publish to %s: %w", n.next, err))
	}
	p.Mark(StepForwarded)
	return nil
}

// apply runs the normalizer, turning a panic into an error so a single bad
// input cannot take the worker down.
func (n *Normalize) apply(payload map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("normalizer panicked: %v", r)
		}
	}()
	return normalize.Payload(n.normalizer, payload), nil
}

// Annotate attaches the annotator result, persists the final artifact and
// advances the source checkpoint.
type Annotate struct {
	annotator annotate.Annotator
	store     artifact.Store
	advancer  CheckpointAdvancer
	logger    *slog.Logger
}

// NewAnnotate creates the terminal annotate stage.
func NewAnnotate(a annotate.Annotator, store artifact.Store, advancer CheckpointAdvancer, logger *slog.Logger) *Annotate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Annotate{annotator: a, store: store, advancer: advancer, logger: logger.With("component", "annotate")}
}

// Stage implements Processor.
func (a *Annotate) Stage() ingest.Stage { return ingest.StageAnnotate }

// Process implements Processor.
func (a *Annotate) Process(ctx context.Context, msg *ingest.Message, p *Progress) error {
	if err := artifact.ValidName(msg.Artifact); err != nil {
		return ingest.Malformed(ingest.StageAnnotate, "%v", err)
	}
	if err := ingest.ValidateSourceID(msg.SourceID); err != nil {
		return ingest.Malformed(ingest.StageAnnotate, "%v", err)
	}

	result, err := a.annotator.Annotate(ctx, annotate.RecordFrom(msg))
	if err != nil {
		return ingest.Capability(ingest.StageAnnotate, err)
	}
	msg.Annotation = map[string]any(result)

	final := maps.Clone(msg.Payload)
	if final == nil {
		final = make(map[string]any)
	}
	final["annotation"] = msg.Annotation
	data, err := artifact.EncodeJSON(final)
	if err != nil {
		return ingest.Capability(ingest.StageAnnotate, fmt.Errorf("encode annotation: %w", err))
	}
	p.Mark(StepTransformed)

	if err := a.store.Write(ctx, artifact.DirAnnotated, msg.Artifact, data); err != nil {
		return ingest.Persistence(ingest.StageAnnotate, err)
	}
	p.Mark(StepPersisted)

	msg.Stage = ingest.StageAnnotate
	if _, err := a.advancer.Advance(ctx, msg.SourceID, msg.ItemTimestamp); err != nil {
		return ingest.Persistence(ingest.StageAnnotate, err)
	}
	p.Mark(StepFinalized)
	return nil
}

var (
	_ Processor = (*Capture)(nil)
	_ Processor = (*Normalize)(nil)
	_ Processor = (*Annotate)(nil)
)
