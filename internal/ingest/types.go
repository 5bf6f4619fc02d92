// Package ingest provides the shared types for incremental multi-source ingestion.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage identifies one step of the enrichment pipeline.
type Stage string

const (
	// StageCapture persists the raw extracted item.
	StageCapture Stage = "capture"
	// StageNormalize cleans the text fields of the item.
	StageNormalize Stage = "normalize"
	// StageAnnotate attaches the semantic annotation and finalizes the item.
	StageAnnotate Stage = "annotate"
)

// Well-known item fields.
const (
	FieldTimestamp       = "item_timestamp"
	FieldURL             = "url"
	FieldTitle           = "title"
	FieldSummary         = "summary"
	FieldContent         = "content"
	FieldBody            = "body"
	FieldCategories      = "categories"
	FieldTags            = "tags"
	FieldPublicationDate = "publication_date"
)

// SourceKind selects the extractor implementation for a source.
type SourceKind string

const (
	// SourceKindArchive traverses paginated listing pages and article pages.
	SourceKindArchive SourceKind = "archive"
	// SourceKindRSS reads an RSS 2.0 feed.
	SourceKindRSS SourceKind = "rss"
)

// Selectors holds the per-source field selectors used by the archive extractor.
type Selectors struct {
	// Listing page selectors.
	ListBlock string `yaml:"list_block" json:"list_block,omitempty"`
	Title     string `yaml:"title" json:"title,omitempty"`
	URL       string `yaml:"url" json:"url,omitempty"`
	Date      string `yaml:"date" json:"date,omitempty"`
	NextPage  string `yaml:"next_page" json:"next_page,omitempty"`

	// Article page selectors.
	Category string `yaml:"category" json:"category,omitempty"`
	Summary  string `yaml:"summary" json:"summary,omitempty"`
	Body     string `yaml:"body" json:"body,omitempty"`
	Tags     string `yaml:"tags" json:"tags,omitempty"`
}

// SourceConfig describes one content source. It is immutable after load.
type SourceConfig struct {
	// ID is the unique source identifier.
	ID string `json:"id"`

	// Interval is the time between scheduled runs.
	Interval time.Duration `json:"interval"`

	// Cron is an optional standard cron expression used instead of Interval.
	Cron string `json:"cron,omitempty"`

	// ResumeTimestamp is the initial resume point used when no checkpoint exists.
	ResumeTimestamp *int64 `json:"resume_timestamp,omitempty"`

	// EndTimestamp marks the source as a bounded backfill job.
	EndTimestamp *int64 `json:"end_timestamp,omitempty"`

	// Kind selects the extractor implementation.
	Kind SourceKind `json:"kind,omitempty"`

	// StartURL is the first listing page or feed URL.
	StartURL string `json:"start_url,omitempty"`

	// Selectors configures the archive extractor.
	Selectors Selectors `json:"selectors,omitempty"`

	// RateLimit is the maximum number of HTTP requests per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty"`

	// MaxPages bounds listing-page traversal per run (0 = unlimited).
	MaxPages int `json:"max_pages,omitempty"`
}

// IsBackfill returns true if the source is a bounded one-shot job.
func (s SourceConfig) IsBackfill() bool {
	return s.EndTimestamp != nil
}

// ValidateSourceID checks that id can name a checkpoint and prefix an
// artifact filename.
func ValidateSourceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("source id is required")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("source %s: id must not contain path separators", id)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (s SourceConfig) Validate() error {
	if err := ValidateSourceID(s.ID); err != nil {
		return err
	}
	if !s.IsBackfill() && s.Cron == "" && s.Interval <= 0 {
		return fmt.Errorf("source %s: interval must be positive", s.ID)
	}
	if s.ResumeTimestamp != nil && s.EndTimestamp != nil && *s.EndTimestamp <= *s.ResumeTimestamp {
		return fmt.Errorf("source %s: end_timestamp must be after resume_timestamp", s.ID)
	}
	switch s.Kind {
	case "", SourceKindArchive, SourceKindRSS:
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// Checkpoint is the newest fully processed item timestamp for a source.
type Checkpoint struct {
	// SourceID identifies the source being checkpointed.
	SourceID string `json:"source_id"`

	// LastTimestamp is the newest fully processed item timestamp (Unix seconds).
	LastTimestamp int64 `json:"last_timestamp"`

	// UpdatedAt is when the checkpoint was last advanced.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Item is a single extracted record: a field map carrying an item_timestamp.
type Item map[string]any

// Timestamp returns the item timestamp and whether it is present and numeric.
func (i Item) Timestamp() (int64, bool) {
	return toInt64(i[FieldTimestamp])
}

// URL returns the stable identifier of the item.
func (i Item) URL() string {
	s, _ := i[FieldURL].(string)
	return strings.TrimSpace(s)
}

// Message is the envelope carried between pipeline stages.
type Message struct {
	// CorrelationID is derived deterministically from the item's stable identifier.
	CorrelationID string `json:"correlation_id"`

	// SourceID identifies the originating source.
	SourceID string `json:"source_id"`

	// ItemTimestamp is the item timestamp (Unix seconds).
	ItemTimestamp int64 `json:"item_timestamp"`

	// Payload holds the item fields.
	Payload map[string]any `json:"payload"`

	// Artifact is the content-addressed artifact filename set by the capture stage.
	Artifact string `json:"artifact,omitempty"`

	// Stage is the last stage that handled the message.
	Stage Stage `json:"stage,omitempty"`

	// Annotation holds the structured annotator result.
	Annotation map[string]any `json:"annotation,omitempty"`
}

// Text returns a string payload field, or "" if absent.
func (m *Message) Text(field string) string {
	s, _ := m.Payload[field].(string)
	return s
}

// Strings returns a list payload field as strings.
func (m *Message) Strings(field string) []string {
	switch v := m.Payload[field].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
