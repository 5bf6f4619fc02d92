package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
)

type rssRoot struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Content     string   `xml:"encoded"` // content:encoded
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
}

// RSS reads an RSS 2.0 feed. Feeds are not paginated; the window is applied
// after sorting entries newest first.
type RSS struct {
	cfg     ingest.SourceConfig
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewRSS creates an RSS extractor for the source.
func NewRSS(cfg ingest.SourceConfig, fetcher *Fetcher, logger *slog.Logger) *RSS {
	if logger == nil {
		logger = slog.Default()
	}
	return &RSS{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With("component", "extractor", "kind", "rss", "source_id", cfg.ID),
	}
}

// Extract yields the feed entries newer than req.Resume.
func (r *RSS) Extract(ctx context.Context, req Request) iter.Seq2[ingest.Item, error] {
	return func(yield func(ingest.Item, error) bool) {
		body, _, err := r.fetcher.Get(ctx, r.cfg.StartURL)
		if err != nil {
			yield(nil, err)
			return
		}

		var root rssRoot
		if err := xml.Unmarshal(body, &root); err != nil {
			yield(nil, fmt.Errorf("parse feed %s: %w", r.cfg.StartURL, err))
			return
		}

		type entry struct {
			item ingest.Item
			ts   int64
		}
		var entries []entry
		for _, it := range root.Channel.Items {
			published, err := ParseDate(it.PubDate, time.UTC)
			if err != nil {
				r.logger.Warn("skipping entry with unparseable date", "date", it.PubDate, "error", err)
				continue
			}
			link := strings.TrimSpace(it.Link)
			if link == "" {
				link = strings.TrimSpace(it.GUID)
			}
			if link == "" {
				continue
			}

			categories := make([]string, 0, len(it.Categories))
			for _, c := range it.Categories {
				if c = strings.TrimSpace(c); c != "" {
					categories = append(categories, c)
				}
			}

			ts := published.Unix()
			entries = append(entries, entry{ts: ts, item: ingest.Item{
				ingest.FieldTitle:           strings.TrimSpace(it.Title),
				ingest.FieldURL:             link,
				ingest.FieldSummary:         strings.TrimSpace(it.Description),
				ingest.FieldContent:         strings.TrimSpace(it.Content),
				ingest.FieldCategories:      categories,
				ingest.FieldTags:            []string{},
				ingest.FieldPublicationDate: published.Format(time.RFC3339),
				ingest.FieldTimestamp:       ts,
			}})
		}

		slices.SortStableFunc(entries, func(a, b entry) int {
			switch {
			case a.ts > b.ts:
				return -1
			case a.ts < b.ts:
				return 1
			}
			return 0
		})

		for _, e := range entries {
			if req.Exhausted(e.ts) {
				return
			}
			if !req.Accept(e.ts) {
				continue
			}
			if !yield(e.item, nil) {
				return
			}
		}
	}
}

var _ Extractor = (*RSS)(nil)
