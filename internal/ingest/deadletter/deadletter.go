// Package deadletter records poison messages: messages the pipeline dropped
// because they can never succeed (malformed payloads, undecodable bodies).
// Recording them keeps the drop visible to operators; nothing is replayed
// automatically.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/janovincze/tidings/internal/ingest"
)

// Entry is one dropped message.
type Entry struct {
	// ID is the unique identifier for this dead-letter entry.
	ID string `json:"id"`

	// SourceID identifies the originating source.
	SourceID string `json:"source_id"`

	// CorrelationID is the dropped message's correlation ID.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Stage is the stage that dropped the message.
	Stage ingest.Stage `json:"stage"`

	// Message is the dropped envelope as JSON.
	Message json.RawMessage `json:"message"`

	// ErrorMessage is the error that caused the drop.
	ErrorMessage string `json:"error_message"`

	// ErrorType classifies the error (see ingest.ErrorKind).
	ErrorType string `json:"error_type"`

	// CreatedAt is when the message was dropped.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry may be deleted by Cleanup.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Manager stores dead-letter entries.
type Manager interface {
	// Write adds an entry.
	Write(ctx context.Context, entry Entry) error

	// Read returns up to limit entries, oldest first.
	Read(ctx context.Context, limit int) ([]Entry, error)

	// ReadBySource returns up to limit entries for a source, oldest first.
	ReadBySource(ctx context.Context, sourceID string, limit int) ([]Entry, error)

	// Delete removes an entry.
	Delete(ctx context.Context, id string) error

	// Cleanup removes expired entries and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int64, error)

	// Close releases any resources held by the manager.
	Close() error
}

// FromMessage builds an entry for a message dropped at stage. A zero
// retention means the entry never expires.
func FromMessage(msg *ingest.Message, stage ingest.Stage, cause error, retention time.Duration) (Entry, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Entry{}, err
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:           uuid.NewString(),
		Stage:        stage,
		Message:      data,
		ErrorMessage: cause.Error(),
		ErrorType:    ingest.ErrorKind(cause),
		CreatedAt:    now,
	}
	if msg != nil {
		entry.SourceID = msg.SourceID
		entry.CorrelationID = msg.CorrelationID
	}
	if retention > 0 {
		expires := now.Add(retention)
		entry.ExpiresAt = &expires
	}
	return entry, nil
}

// ToMessage decodes the stored envelope.
func (e *Entry) ToMessage() (*ingest.Message, error) {
	var msg ingest.Message
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Stats holds dead-letter statistics.
type Stats struct {
	TotalCount  int64            `json:"total_count"`
	BySource    map[string]int64 `json:"by_source"`
	ByErrorType map[string]int64 `json:"by_error_type"`
}
