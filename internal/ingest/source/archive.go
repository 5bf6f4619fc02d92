package source

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/janovincze/tidings/internal/ingest"
)

// Archive walks paginated listing pages newest first. Each listing block
// yields a title, link and date; when article selectors are configured the
// article page is fetched for category, summary, body and tags.
type Archive struct {
	cfg     ingest.SourceConfig
	fetcher *Fetcher
	loc     *time.Location
	logger  *slog.Logger
}

// NewArchive creates an archive extractor for the source.
func NewArchive(cfg ingest.SourceConfig, fetcher *Fetcher, logger *slog.Logger) (*Archive, error) {
	sel := cfg.Selectors
	switch {
	case sel.ListBlock == "":
		return nil, fmt.Errorf("source %s: selectors.list_block is required", cfg.ID)
	case sel.URL == "":
		return nil, fmt.Errorf("source %s: selectors.url is required", cfg.ID)
	case sel.Date == "":
		return nil, fmt.Errorf("source %s: selectors.date is required", cfg.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		cfg:     cfg,
		fetcher: fetcher,
		loc:     Tehran,
		logger:  logger.With("component", "extractor", "kind", "archive", "source_id", cfg.ID),
	}, nil
}

func (a *Archive) hasArticleSelectors() bool {
	s := a.cfg.Selectors
	return s.Category != "" || s.Summary != "" || s.Body != "" || s.Tags != ""
}

// Extract yields the items newer than req.Resume, stopping at the first
// listing entry at or before it.
func (a *Archive) Extract(ctx context.Context, req Request) iter.Seq2[ingest.Item, error] {
	return func(yield func(ingest.Item, error) bool) {
		visited := make(map[string]bool)
		page := a.cfg.StartURL

		for pages := 0; page != ""; pages++ {
			if a.cfg.MaxPages > 0 && pages >= a.cfg.MaxPages {
				a.logger.Info("page limit reached", "max_pages", a.cfg.MaxPages)
				return
			}
			visited[page] = true

			doc, base, err := a.fetchDoc(ctx, page)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, block := range selectAll(doc, a.cfg.Selectors.ListBlock) {
				dateStr := selectFirst(block, a.cfg.Selectors.Date)
				if dateStr == "" {
					continue
				}
				published, err := ParseDate(dateStr, a.loc)
				if err != nil {
					a.logger.Warn("skipping entry with unparseable date", "date", dateStr, "error", err)
					continue
				}
				ts := published.Unix()

				if req.Exhausted(ts) {
					return
				}
				if !req.Accept(ts) {
					continue
				}

				href := selectFirst(block, a.cfg.Selectors.URL)
				if href == "" {
					continue
				}
				link, err := resolve(base, href)
				if err != nil {
					a.logger.Warn("skipping entry with bad link", "href", href, "error", err)
					continue
				}

				item := ingest.Item{
					ingest.FieldTitle:           selectFirst(block, a.cfg.Selectors.Title),
					ingest.FieldURL:             link,
					ingest.FieldPublicationDate: published.Format(time.RFC3339),
					ingest.FieldTimestamp:       ts,
				}

				if a.hasArticleSelectors() {
					if err := a.enrich(ctx, item, link); err != nil {
						if !yield(nil, err) {
							return
						}
						continue
					}
				}

				if !yield(item, nil) {
					return
				}
			}

			next := selectFirst(doc, a.cfg.Selectors.NextPage)
			page = ""
			if next != "" {
				if u, err := resolve(base, next); err == nil && !visited[u] {
					page = u
				}
			}
		}
	}
}

func (a *Archive) fetchDoc(ctx context.Context, pageURL string) (*html.Node, *url.URL, error) {
	body, base, err := a.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, base, nil
}

// enrich fetches the article page and fills the article fields.
func (a *Archive) enrich(ctx context.Context, item ingest.Item, link string) error {
	doc, _, err := a.fetchDoc(ctx, link)
	if err != nil {
		return fmt.Errorf("fetch article: %w", err)
	}
	sel := a.cfg.Selectors

	item[ingest.FieldCategories] = nonNil(selectValues(doc, sel.Category))
	item[ingest.FieldSummary] = selectFirst(doc, sel.Summary)
	item[ingest.FieldContent] = strings.Join(selectValues(doc, sel.Body), "\n")
	item[ingest.FieldTags] = nonNil(selectValues(doc, sel.Tags))
	return nil
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	if base == nil {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Extractor = (*Archive)(nil)
