// Package source provides the Source Extractor capability and its built-in
// implementations.
//
// An extractor yields items lazily in the order the source lists them
// (newest first) and stops once it reaches the resume point, so a run only
// touches what is new since the last checkpoint.
package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/janovincze/tidings/internal/ingest"
)

// Request describes one extraction run.
type Request struct {
	// SourceID identifies the source.
	SourceID string

	// Resume is the exclusive lower bound: items at or before it are not yielded.
	Resume int64

	// End is the inclusive upper bound for backfill runs. Items after it are skipped.
	End *int64
}

// Accept reports whether ts is inside the request window.
func (r Request) Accept(ts int64) bool {
	if ts <= r.Resume {
		return false
	}
	return r.End == nil || ts <= *r.End
}

// Exhausted reports whether a descending listing that reached ts has nothing
// more to offer.
func (r Request) Exhausted(ts int64) bool {
	return ts <= r.Resume
}

// Extractor produces the items of a source newer than the resume point.
// Errors are yielded in-stream; a consumer may stop iterating at any time.
type Extractor interface {
	Extract(ctx context.Context, req Request) iter.Seq2[ingest.Item, error]
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, req Request) iter.Seq2[ingest.Item, error]

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, req Request) iter.Seq2[ingest.Item, error] {
	return f(ctx, req)
}

// Static yields a fixed list of items, applying the request window. Items are
// sorted newest first before filtering, mirroring a listing page.
type Static struct {
	Items []ingest.Item
}

// Extract yields the items inside the request window.
func (s *Static) Extract(ctx context.Context, req Request) iter.Seq2[ingest.Item, error] {
	items := slices.Clone(s.Items)
	slices.SortStableFunc(items, func(a, b ingest.Item) int {
		ta, _ := a.Timestamp()
		tb, _ := b.Timestamp()
		switch {
		case ta > tb:
			return -1
		case ta < tb:
			return 1
		}
		return 0
	})

	return func(yield func(ingest.Item, error) bool) {
		for _, item := range items {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			ts, ok := item.Timestamp()
			if !ok {
				// Items without a timestamp are passed through so the
				// capture stage can reject them.
				if !yield(item, nil) {
					return
				}
				continue
			}
			if req.Exhausted(ts) {
				return
			}
			if !req.Accept(ts) {
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// New builds the extractor for a source from its configuration, with a
// default fetcher limited to the source's rate.
func New(cfg ingest.SourceConfig, logger *slog.Logger) (Extractor, error) {
	return NewWithFetcher(cfg, FetcherConfig{}, logger)
}

// NewWithFetcher builds the extractor for a source using fc for HTTP access.
// The source's rate limit overrides fc.RateLimit when set.
func NewWithFetcher(cfg ingest.SourceConfig, fc FetcherConfig, logger *slog.Logger) (Extractor, error) {
	if cfg.StartURL == "" {
		return nil, fmt.Errorf("source %s: start_url is required", cfg.ID)
	}
	if cfg.RateLimit > 0 {
		fc.RateLimit = cfg.RateLimit
	}
	fetcher := NewFetcher(fc, logger)

	switch cfg.Kind {
	case "", ingest.SourceKindArchive:
		return NewArchive(cfg, fetcher, logger)
	case ingest.SourceKindRSS:
		return NewRSS(cfg, fetcher, logger), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

var _ Extractor = (*Static)(nil)
