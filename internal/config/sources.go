package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/source"
)

// SourcesFile is the YAML document listing the sources to ingest.
//
//	sources:
//	  - id: wire-a
//	    interval: 15            # minutes, or a duration such as "90s"
//	    kind: archive
//	    start_url: https://wire-a.example/archive
//	    resume_timestamp: 2025-12-01
//	    selectors:
//	      list_block: div.item
//	      url: a@href
//	      date: span.date
type SourcesFile struct {
	Sources []SourceEntry `yaml:"sources"`
}

// SourceEntry is the YAML form of ingest.SourceConfig.
type SourceEntry struct {
	ID              string            `yaml:"id"`
	Interval        Interval          `yaml:"interval"`
	Cron            string            `yaml:"cron"`
	ResumeTimestamp *Timestamp        `yaml:"resume_timestamp"`
	EndTimestamp    *Timestamp        `yaml:"end_timestamp"`
	Kind            ingest.SourceKind `yaml:"kind"`
	StartURL        string            `yaml:"start_url"`
	Selectors       ingest.Selectors  `yaml:"selectors"`
	RateLimit       float64           `yaml:"rate_limit"`
	MaxPages        int               `yaml:"max_pages"`
}

// Interval is a schedule interval. A bare number is read as minutes; a
// string is parsed with time.ParseDuration.
type Interval time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (i *Interval) UnmarshalYAML(value *yaml.Node) error {
	var minutes float64
	if err := value.Decode(&minutes); err == nil {
		*i = Interval(time.Duration(minutes * float64(time.Minute)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("interval %q: %w", s, err)
	}
	*i = Interval(d)
	return nil
}

// Timestamp is a Unix timestamp in seconds. It may be written as an integer
// or as any date accepted by source.ParseDate, read in UTC when no zone is
// given.
type Timestamp int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Timestamp) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*t = Timestamp(n)
		return nil
	}
	parsed, err := source.ParseDate(raw, time.UTC)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", raw, err)
	}
	*t = Timestamp(parsed.Unix())
	return nil
}

// SourceConfig converts the entry into an ingest.SourceConfig.
func (e SourceEntry) SourceConfig() ingest.SourceConfig {
	cfg := ingest.SourceConfig{
		ID:        strings.TrimSpace(e.ID),
		Interval:  time.Duration(e.Interval),
		Cron:      strings.TrimSpace(e.Cron),
		Kind:      e.Kind,
		StartURL:  strings.TrimSpace(e.StartURL),
		Selectors: e.Selectors,
		RateLimit: e.RateLimit,
		MaxPages:  e.MaxPages,
	}
	if e.ResumeTimestamp != nil {
		v := int64(*e.ResumeTimestamp)
		cfg.ResumeTimestamp = &v
	}
	if e.EndTimestamp != nil {
		v := int64(*e.EndTimestamp)
		cfg.EndTimestamp = &v
	}
	return cfg
}

// ParseSources parses and validates a sources document.
func ParseSources(data []byte) ([]ingest.SourceConfig, error) {
	var file SourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}

	seen := make(map[string]bool, len(file.Sources))
	out := make([]ingest.SourceConfig, 0, len(file.Sources))
	for i, entry := range file.Sources {
		cfg := entry.SourceConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("sources[%d]: duplicate source id %s", i, cfg.ID)
		}
		seen[cfg.ID] = true
		out = append(out, cfg)
	}
	return out, nil
}

// LoadSources reads and validates the sources file at path.
func LoadSources(path string) ([]ingest.SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data)
}
