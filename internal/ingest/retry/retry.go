// Package retry runs operations with exponential backoff. It backs broker
// dialing and the redelivery delay applied to capability failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines the backoff behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero or less means retry until the context ends.
	MaxAttempts int

	// InitialInterval is the wait after the first failure.
	InitialInterval time.Duration

	// MaxInterval caps a single wait.
	MaxInterval time.Duration

	// Multiplier grows the wait between attempts.
	Multiplier float64

	// Jitter spreads waits by ±25%.
	Jitter bool
}

// DefaultPolicy returns a Policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	backoff := float64(p.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && backoff > float64(p.MaxInterval) {
		backoff = float64(p.MaxInterval)
	}

	d := time.Duration(backoff)
	if p.Jitter && d >= 4 {
		jitter := d / 4
		d = d - jitter + time.Duration(rand.Int64N(int64(jitter*2)))
	}
	return d
}

// Error reports an operation that did not succeed within the policy.
type Error struct {
	Op       string
	Err      error
	Attempts int
	Waited   time.Duration
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err so that Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Retryer executes operations under a Policy.
type Retryer struct {
	policy Policy
	logger *slog.Logger
}

// New creates a Retryer.
func New(policy Policy, logger *slog.Logger) *Retryer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retryer{
		policy: policy,
		logger: logger.With("component", "retryer"),
	}
}

// Policy returns the retryer's policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx ends.
func (r *Retryer) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var waited time.Duration

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry", "op", name, "attempt", attempt, "waited", waited)
			}
			return nil
		}

		if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Error{Op: name, Err: err, Attempts: attempt, Waited: waited}
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return &Error{Op: name, Err: err, Attempts: attempt, Waited: waited}
		}

		wait := r.policy.Backoff(attempt)
		waited += wait
		r.logger.Warn("operation failed, retrying",
			"op", name,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)

		if err := Sleep(ctx, wait); err != nil {
			return &Error{Op: name, Err: err, Attempts: attempt, Waited: waited}
		}
	}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, r *Retryer, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Sleep waits for d or until ctx ends, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
