// Package checkpoint provides per-source checkpoint persistence and the
// monotonic checkpoint advancer.
package checkpoint

import (
	"context"

	"github.com/janovincze/tidings/internal/ingest"
)

// Store persists one checkpoint record per source.
//
// Advance is the only mutating write: it stores ts only if it is strictly
// greater than the stored value (0 when absent), as one atomic single-record
// replace. Callers outside this package should go through an Advancer.
type Store interface {
	// Load retrieves the checkpoint for a source. It returns nil, nil if none exists.
	Load(ctx context.Context, sourceID string) (*ingest.Checkpoint, error)

	// Advance stores ts for the source if it exceeds the stored value.
	// It reports whether the stored value changed.
	Advance(ctx context.Context, sourceID string, ts int64) (bool, error)

	// List returns all stored checkpoints.
	List(ctx context.Context) ([]ingest.Checkpoint, error)

	// Delete removes the checkpoint for a source.
	Delete(ctx context.Context, sourceID string) error

	// Close releases any resources held by the store.
	Close() error
}

// LastTimestamp returns the stored timestamp for a source, or 0 if none exists.
func LastTimestamp(ctx context.Context, s Store, sourceID string) (int64, error) {
	cp, err := s.Load(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}
	return cp.LastTimestamp, nil
}
