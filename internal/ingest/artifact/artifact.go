// Package artifact stores the per-stage JSON artifacts written by the
// pipeline. Writes are idempotent: the same name always overwrites the same
// object, so a redelivered message produces one artifact, not two.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Dir is the stage directory an artifact belongs to.
type Dir string

const (
	DirRaw       Dir = "raw"
	DirClean     Dir = "clean"
	DirAnnotated Dir = "annotated"
)

// ErrNotFound is returned by Read for a missing artifact.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts.
type Store interface {
	// Write stores data under dir/name, replacing any previous content.
	Write(ctx context.Context, dir Dir, name string, data []byte) error

	// Read returns the content stored under dir/name.
	Read(ctx context.Context, dir Dir, name string) ([]byte, error)

	// Exists reports whether dir/name is stored.
	Exists(ctx context.Context, dir Dir, name string) (bool, error)
}

// EncodeJSON renders v as indented UTF-8 JSON without HTML escaping, so
// non-Latin text stays readable on disk.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// ValidName reports whether name can be stored as an artifact: a single
// path element.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
