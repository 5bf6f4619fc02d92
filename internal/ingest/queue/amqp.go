package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/retry"
	"github.com/janovincze/tidings/internal/metrics"
)

// AMQPConfig holds configuration for the RabbitMQ broker.
type AMQPConfig struct {
	// URL is the AMQP connection URL.
	URL string

	// Heartbeat is the connection heartbeat interval.
	Heartbeat time.Duration

	// ConfirmTimeout bounds the wait for a publisher confirm.
	ConfirmTimeout time.Duration

	// Dial controls reconnection backoff.
	Dial retry.Policy
}

// AMQPBroker implements Broker on RabbitMQ. Queues are declared durable,
// messages are published persistent with publisher confirms, and consumers
// use manual acknowledgement.
type AMQPBroker struct {
	cfg    AMQPConfig
	dialer *retry.Retryer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
	queues map[string]struct{}
}

// NewAMQPBroker connects to RabbitMQ, retrying per cfg.Dial.
func NewAMQPBroker(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}

	b := &AMQPBroker{
		cfg:    cfg,
		dialer: retry.New(cfg.Dial, logger),
		logger: logger.With("component", "broker", "backend", "amqp"),
		queues: make(map[string]struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// connectLocked (re)establishes the connection and the confirm-mode publish channel.
func (b *AMQPBroker) connectLocked(ctx context.Context) error {
	conn, err := retry.DoValue(ctx, b.dialer, "amqp dial", func(ctx context.Context) (*amqp.Connection, error) {
		return amqp.DialConfig(b.cfg.URL, amqp.Config{
			Heartbeat: b.cfg.Heartbeat,
			Properties: amqp.Table{
				"connection_name": "tidings",
			},
		})
	})
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	for name := range b.queues {
		if err := declare(ch, name); err != nil {
			conn.Close()
			return err
		}
	}

	b.conn = conn
	b.pubCh = ch
	b.logger.Info("connected to broker")
	return nil
}

// channel returns a live publish channel, reconnecting if the connection dropped.
func (b *AMQPBroker) channel(ctx context.Context) (*amqp.Channel, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.conn == nil || b.conn.IsClosed() || b.pubCh == nil || b.pubCh.IsClosed() {
		if b.conn != nil && !b.conn.IsClosed() {
			b.conn.Close()
		}
		b.logger.Warn("broker connection lost, reconnecting")
		if err := b.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return b.pubCh, nil
}

func declare(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// Declare creates a durable queue.
func (b *AMQPBroker) Declare(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channel(ctx)
	if err != nil {
		return err
	}
	if err := declare(ch, name); err != nil {
		return err
	}
	b.queues[name] = struct{}{}
	return nil
}

// Publish sends a persistent message and waits for the broker's confirm.
func (b *AMQPBroker) Publish(ctx context.Context, name string, msg *ingest.Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channel(ctx)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(pubCtx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.CorrelationID,
		Timestamp:    time.Now().UTC(),
		AppId:        msg.SourceID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}

	acked, err := confirm.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("await confirm from %s: %w", name, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: broker nacked message %s", name, msg.CorrelationID)
	}

	metrics.QueuePublishedTotal.WithLabelValues(name).Inc()
	return nil
}

// Consume opens a dedicated channel with the given prefetch and delivers
// messages to handler. Closing the channel returns unacknowledged messages
// to the queue.
func (b *AMQPBroker) Consume(ctx context.Context, name string, prefetch int, handler Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}

	b.mu.Lock()
	if _, err := b.channel(ctx); err != nil {
		b.mu.Unlock()
		return err
	}
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, name); err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}

	b.logger.Info("consumer started", "queue", name, "prefetch", prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", name)
			}

			if d.Redelivered {
				metrics.QueueRedeliveriesTotal.WithLabelValues(name).Inc()
			}

			msg, err := Decode(d.Body)
			if err != nil {
				metrics.QueueUndecodableTotal.WithLabelValues(name).Inc()
				b.logger.Warn("dropping undecodable message", "queue", name, "error", err)
				if err := d.Reject(false); err != nil {
					return fmt.Errorf("reject undecodable message: %w", err)
				}
				continue
			}

			if err := handler(ctx, msg, amqpDelivery{d: d}); err != nil {
				return err
			}
		}
	}
}

// Ping reports whether the broker connection is open.
func (b *AMQPBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

// Close closes the connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Ack() error                { return a.d.Ack(false) }
func (a amqpDelivery) Reject(requeue bool) error { return a.d.Reject(requeue) }
func (a amqpDelivery) Redelivered() bool         { return a.d.Redelivered }

var _ Broker = (*AMQPBroker)(nil)
