package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/metrics"
)

// PostgresConfig holds configuration for the PostgreSQL broker.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// Visibility is how long a claimed message stays hidden before it is
	// handed to another consumer.
	Visibility time.Duration

	// PollInterval is the wait between claims on an empty queue.
	PollInterval time.Duration
}

const createQueueTable = `
	CREATE SCHEMA IF NOT EXISTS tidings;
	CREATE TABLE IF NOT EXISTS tidings.queue_messages (
		id          BIGSERIAL PRIMARY KEY,
		queue       TEXT NOT NULL,
		body        BYTEA NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		deliveries  INT NOT NULL DEFAULT 0,
		lease       UUID
	);
	CREATE INDEX IF NOT EXISTS queue_messages_ready_idx
		ON tidings.queue_messages (queue, visible_at, id);
`

// PostgresBroker implements Broker on a PostgreSQL table. A consumer claims
// the oldest visible row with FOR UPDATE SKIP LOCKED and hides it for the
// visibility timeout; an ack deletes the row. A claim whose consumer died
// becomes visible again when the timeout lapses.
type PostgresBroker struct {
	db     *sql.DB
	cfg    PostgresConfig
	logger *slog.Logger
	closed chan struct{}
}

// NewPostgresBroker opens the database and ensures the queue table exists.
func NewPostgresBroker(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresBroker, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createQueueTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresBroker{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "broker", "backend", "postgres"),
		closed: make(chan struct{}),
	}, nil
}

// Declare is a no-op; all queues share one table.
func (b *PostgresBroker) Declare(ctx context.Context, name string) error {
	return nil
}

// Publish inserts the message. The insert is committed before returning.
func (b *PostgresBroker) Publish(ctx context.Context, name string, msg *ingest.Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO tidings.queue_messages (queue, body) VALUES ($1, $2)`,
		name, body,
	); err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}

	metrics.QueuePublishedTotal.WithLabelValues(name).Inc()
	return nil
}

type pgClaim struct {
	id         int64
	body       []byte
	deliveries int
	lease      uuid.UUID
}

func (b *PostgresBroker) claim(ctx context.Context, name string) (*pgClaim, error) {
	query := `
		UPDATE tidings.queue_messages
		SET visible_at = now() + make_interval(secs => $2),
			deliveries = deliveries + 1,
			lease = $3
		WHERE id = (
			SELECT id FROM tidings.queue_messages
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, body, deliveries
	`

	c := &pgClaim{lease: uuid.New()}
	err := b.db.QueryRowContext(ctx, query, name, b.cfg.Visibility.Seconds(), c.lease).
		Scan(&c.id, &c.body, &c.deliveries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim from %s: %w", name, err)
	}
	return c, nil
}

// Consume claims and delivers messages one at a time. The prefetch window
// is always one for this backend.
func (b *PostgresBroker) Consume(ctx context.Context, name string, prefetch int, handler Handler) error {
	b.logger.Info("consumer started", "queue", name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return ErrClosed
		default:
		}

		c, err := b.claim(ctx, name)
		if err != nil {
			return err
		}
		if c == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.closed:
				return ErrClosed
			case <-time.After(b.cfg.PollInterval):
			}
			continue
		}

		d := &pgDelivery{broker: b, claim: c}
		if d.Redelivered() {
			metrics.QueueRedeliveriesTotal.WithLabelValues(name).Inc()
		}

		msg, err := Decode(c.body)
		if err != nil {
			metrics.QueueUndecodableTotal.WithLabelValues(name).Inc()
			b.logger.Warn("dropping undecodable message", "queue", name, "id", c.id, "error", err)
			if err := d.Reject(false); err != nil {
				return err
			}
			continue
		}

		if err := handler(ctx, msg, d); err != nil {
			b.release(c)
			return err
		}
	}
}

// release makes an unsettled claim visible again so another consumer can
// take it without waiting out the visibility timeout.
func (b *PostgresBroker) release(c *pgClaim) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.db.ExecContext(ctx,
		`UPDATE tidings.queue_messages SET visible_at = now(), lease = NULL WHERE id = $1 AND lease = $2`,
		c.id, c.lease,
	); err != nil {
		b.logger.Warn("failed to release claim", "id", c.id, "error", err)
	}
}

// Ping verifies the database connection.
func (b *PostgresBroker) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database connection.
func (b *PostgresBroker) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	return b.db.Close()
}

type pgDelivery struct {
	broker *PostgresBroker
	claim  *pgClaim
}

// Ack deletes the row if this consumer still holds the lease.
func (d *pgDelivery) Ack() error {
	res, err := d.broker.db.Exec(
		`DELETE FROM tidings.queue_messages WHERE id = $1 AND lease = $2`,
		d.claim.id, d.claim.lease,
	)
	if err != nil {
		return fmt.Errorf("ack message %d: %w", d.claim.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack message %d: lease expired", d.claim.id)
	}
	return nil
}

func (d *pgDelivery) Reject(requeue bool) error {
	if !requeue {
		return d.Ack()
	}
	if _, err := d.broker.db.Exec(
		`UPDATE tidings.queue_messages SET visible_at = now(), lease = NULL WHERE id = $1 AND lease = $2`,
		d.claim.id, d.claim.lease,
	); err != nil {
		return fmt.Errorf("requeue message %d: %w", d.claim.id, err)
	}
	return nil
}

func (d *pgDelivery) Redelivered() bool {
	return d.claim.deliveries > 1
}

var _ Broker = (*PostgresBroker)(nil)
