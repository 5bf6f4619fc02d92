package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/janovincze/tidings/internal/metrics"
)

// Advancer moves a source's checkpoint forward. It is the only writer of
// checkpoint records; a candidate at or below the stored value is a no-op,
// which makes advancement commutative and safe under out-of-order redelivery.
type Advancer struct {
	store  Store
	logger *slog.Logger
}

// NewAdvancer creates an Advancer over the given store.
func NewAdvancer(store Store, logger *slog.Logger) *Advancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advancer{
		store:  store,
		logger: logger.With("component", "checkpoint-advancer"),
	}
}

// Advance stores candidate for the source if it is strictly greater than the
// stored value. It reports whether the checkpoint moved.
func (a *Advancer) Advance(ctx context.Context, sourceID string, candidate int64) (bool, error) {
	advanced, err := a.store.Advance(ctx, sourceID, candidate)
	if err != nil {
		return false, fmt.Errorf("advance checkpoint for %s: %w", sourceID, err)
	}

	if !advanced {
		metrics.CheckpointAdvancesTotal.WithLabelValues(sourceID, "stale").Inc()
		a.logger.Debug("checkpoint not advanced, candidate is not newer",
			"source_id", sourceID,
			"candidate", candidate,
		)
		return false, nil
	}

	metrics.CheckpointAdvancesTotal.WithLabelValues(sourceID, "advanced").Inc()
	metrics.CheckpointTimestamp.WithLabelValues(sourceID).Set(float64(candidate))
	a.logger.Info("checkpoint advanced",
		"source_id", sourceID,
		"last_timestamp", candidate,
	)
	return true, nil
}
