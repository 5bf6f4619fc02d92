// Package normalize provides the text Normalizer capability used by the
// normalize stage.
package normalize

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/janovincze/tidings/internal/ingest"
)

// Normalizer cleans a text field. Implementations must be pure.
type Normalizer interface {
	Normalize(text string) string
}

// Func adapts a function to the Normalizer interface.
type Func func(string) string

// Normalize calls f.
func (f Func) Normalize(text string) string { return f(text) }

// TextFields are the scalar payload fields the normalize stage cleans.
var TextFields = []string{ingest.FieldTitle, ingest.FieldSummary, ingest.FieldContent, ingest.FieldBody}

// ListFields are the list payload fields whose entries are cleaned.
var ListFields = []string{ingest.FieldCategories, ingest.FieldTags}

const zwnj = '\u200c' // zero-width non-joiner

// persianLetters maps Arabic code points to the Persian forms used in
// running text.
var persianLetters = map[rune]rune{
	'ي': 'ی', // ARABIC YEH -> FARSI YEH
	'ى': 'ی', // ALEF MAKSURA -> FARSI YEH
	'ك': 'ک', // ARABIC KAF -> KEHEH
	'ۀ': 'ه', // HEH WITH YEH ABOVE -> HEH
	'۰': '0', '۱': '1', '۲': '2', '۳': '3', '۴': '4',
	'۵': '5', '۶': '6', '۷': '7', '۸': '8', '۹': '9',
	'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
	'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
}

// TextCleaner strips markup, applies Unicode NFKC, unifies Arabic letters
// and digits to their Persian and ASCII forms, drops diacritics, emoji and
// symbols, and collapses whitespace.
type TextCleaner struct {
	// KeepPunctuation retains punctuation marks instead of replacing them
	// with spaces.
	KeepPunctuation bool

	policy *bluemonday.Policy
}

// NewTextCleaner creates a TextCleaner.
func NewTextCleaner() *TextCleaner {
	return &TextCleaner{policy: bluemonday.StrictPolicy()}
}

// Normalize cleans text. Empty input yields "".
func (c *TextCleaner) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	policy := c.policy
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}
	// Tags are replaced by a space so adjacent block text does not fuse.
	text = policy.Sanitize(strings.ReplaceAll(text, "<", " <"))
	text = html.UnescapeString(text)

	t := transform.Chain(norm.NFKC, runes.Map(c.mapRune))
	out, _, err := transform.String(t, text)
	if err != nil {
		out = text
	}
	return strings.Join(strings.Fields(out), " ")
}

func (c *TextCleaner) mapRune(r rune) rune {
	if m, ok := persianLetters[r]; ok {
		return m
	}
	switch {
	case r == zwnj:
		return r
	case r == 'ـ': // tatweel
		return -1
	case unicode.Is(unicode.Mn, r):
		return -1
	case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
		return r
	case unicode.IsSpace(r):
		return ' '
	case c.KeepPunctuation && unicode.IsPunct(r):
		return r
	default:
		return ' '
	}
}

// Payload returns a copy of payload with the text and list fields cleaned.
// Other fields are carried over unchanged.
func Payload(n Normalizer, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	for _, f := range TextFields {
		if s, ok := out[f].(string); ok {
			out[f] = n.Normalize(s)
		}
	}

	for _, f := range ListFields {
		var in []string
		switch v := out[f].(type) {
		case []string:
			in = v
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					in = append(in, s)
				}
			}
		default:
			continue
		}
		cleaned := make([]string, 0, len(in))
		for _, s := range in {
			if s = n.Normalize(s); s != "" {
				cleaned = append(cleaned, s)
			}
		}
		out[f] = cleaned
	}
	return out
}

var _ Normalizer = (*TextCleaner)(nil)
