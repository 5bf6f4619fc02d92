// Package annotate provides the Annotator capability used by the annotate
// stage, with a static implementation and LLM clients for Ollama and Gemini.
package annotate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/janovincze/tidings/internal/ingest"
)

// Record is the structured input handed to an annotator.
type Record struct {
	Title           string   `json:"title"`
	PublicationDate string   `json:"publication_date"`
	Summary         string   `json:"summary"`
	Content         string   `json:"content"`
	Categories      []string `json:"categories"`
	Tags            []string `json:"tags"`
}

// RecordFrom builds a Record from a normalized message.
func RecordFrom(msg *ingest.Message) Record {
	content := msg.Text(ingest.FieldContent)
	if content == "" {
		content = msg.Text(ingest.FieldBody)
	}
	return Record{
		Title:           msg.Text(ingest.FieldTitle),
		PublicationDate: msg.Text(ingest.FieldPublicationDate),
		Summary:         msg.Text(ingest.FieldSummary),
		Content:         content,
		Categories:      msg.Strings(ingest.FieldCategories),
		Tags:            msg.Strings(ingest.FieldTags),
	}
}

// IsEmpty reports whether the record carries no text to annotate.
func (r Record) IsEmpty() bool {
	return strings.TrimSpace(r.Title+r.Summary+r.Content) == ""
}

// Result is the structured annotation.
type Result map[string]any

// Annotator produces a structured annotation for a record.
type Annotator interface {
	Annotate(ctx context.Context, rec Record) (Result, error)
}

// Static returns the same result for every record.
type Static struct {
	Result Result
}

// NewStatic returns a Static annotator labelling everything with label.
func NewStatic(label string) *Static {
	return &Static{Result: Result{"label": label}}
}

// Annotate returns a copy of the configured result.
func (s *Static) Annotate(ctx context.Context, rec Record) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return maps.Clone(s.Result), nil
}

// ErrMalformedOutput is returned when model output holds no JSON object.
var ErrMalformedOutput = errors.New("annotator returned malformed output")

// ParseResult decodes raw model output. If the output is not a JSON object
// it falls back to the first JSON object embedded in surrounding text.
func ParseResult(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err == nil && res != nil {
		return res, nil
	}

	if res, ok := embeddedObject(raw); ok {
		return res, nil
	}

	preview := raw
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return nil, fmt.Errorf("%w: %q", ErrMalformedOutput, preview)
}

// embeddedObject scans for balanced {...} spans and returns the first one
// that decodes as a JSON object.
func embeddedObject(s string) (Result, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > start {
			var res Result
			if err := json.Unmarshal([]byte(s[start:end+1]), &res); err == nil && res != nil {
				return res, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start,
// honoring JSON string literals, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var _ Annotator = (*Static)(nil)
