package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/metrics"
)

type memEntry struct {
	body        []byte
	redelivered bool
}

type memQueue struct {
	ready   []*memEntry
	unacked int
	changed chan struct{}
}

// signal wakes every waiter. Callers hold the broker lock.
func (q *memQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// MemoryBroker is an in-process broker. Messages survive consumer restarts
// but not the process; it serves single-process runs and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
		logger: logger.With("component", "broker", "backend", "memory"),
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{changed: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// Declare creates the queue if it does not exist.
func (b *MemoryBroker) Declare(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queue(name)
	return nil
}

// Publish appends the message to the queue.
func (b *MemoryBroker) Publish(ctx context.Context, name string, msg *ingest.Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(name)
	q.ready = append(q.ready, &memEntry{body: body})
	q.signal()

	metrics.QueuePublishedTotal.WithLabelValues(name).Inc()
	return nil
}

// Len returns the number of ready messages in the queue.
func (b *MemoryBroker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages in the queue.
func (b *MemoryBroker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.unacked
	}
	return 0
}

// Consume delivers messages one at a time to handler.
func (b *MemoryBroker) Consume(ctx context.Context, name string, prefetch int, handler Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}

	var (
		held   = make(map[*memDelivery]struct{})
		heldMu sync.Mutex
	)
	// Anything still held when the consumer leaves goes back to the head of
	// the queue, marked redelivered.
	defer func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for d := range held {
			d.settle(func(q *memQueue) {
				q.ready = append([]*memEntry{{body: d.entry.body, redelivered: true}}, q.ready...)
			})
		}
	}()

	for {
		entry, err := b.next(ctx, name, prefetch)
		if err != nil {
			return err
		}

		d := &memDelivery{broker: b, queue: name, entry: entry}
		d.release = func() {
			heldMu.Lock()
			delete(held, d)
			heldMu.Unlock()
		}
		heldMu.Lock()
		held[d] = struct{}{}
		heldMu.Unlock()

		if entry.redelivered {
			metrics.QueueRedeliveriesTotal.WithLabelValues(name).Inc()
		}

		msg, err := Decode(entry.body)
		if err != nil {
			metrics.QueueUndecodableTotal.WithLabelValues(name).Inc()
			b.logger.Warn("dropping undecodable message", "queue", name, "error", err)
			d.Reject(false)
			continue
		}

		if err := handler(ctx, msg, d); err != nil {
			return err
		}
	}
}

// next blocks until a message is ready and the prefetch window has room.
func (b *MemoryBroker) next(ctx context.Context, name string, prefetch int) (*memEntry, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(name)
		if len(q.ready) > 0 && q.unacked < prefetch {
			e := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked++
			b.mu.Unlock()
			return e, nil
		}
		wait := q.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-wait:
		}
	}
}

// Close stops all consumers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type memDelivery struct {
	broker  *MemoryBroker
	queue   string
	entry   *memEntry
	release func()

	once sync.Once
}

func (d *memDelivery) settle(apply func(q *memQueue)) bool {
	ok := false
	d.once.Do(func() {
		d.broker.mu.Lock()
		q := d.broker.queue(d.queue)
		q.unacked--
		if apply != nil {
			apply(q)
		}
		q.signal()
		d.broker.mu.Unlock()
		ok = true
	})
	return ok
}

func (d *memDelivery) Ack() error {
	if !d.settle(nil) {
		return fmt.Errorf("delivery already settled")
	}
	d.release()
	return nil
}

func (d *memDelivery) Reject(requeue bool) error {
	var apply func(q *memQueue)
	if requeue {
		apply = func(q *memQueue) {
			q.ready = append([]*memEntry{{body: d.entry.body, redelivered: true}}, q.ready...)
		}
	}
	if !d.settle(apply) {
		return fmt.Errorf("delivery already settled")
	}
	d.release()
	return nil
}

func (d *memDelivery) Redelivered() bool {
	return d.entry.redelivered
}

var _ Broker = (*MemoryBroker)(nil)
