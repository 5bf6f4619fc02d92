package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization indicates a message body that is not valid UTF-8 JSON.
	ErrSerialization = errors.New("serialization error")

	// ErrMalformedPayload indicates a message missing a required field.
	// Such messages are poison: dropped, acknowledged and logged.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrCapability indicates a failure of the extractor, normalizer or annotator.
	// Such messages are left unacknowledged for redelivery.
	ErrCapability = errors.New("capability error")

	// ErrPersistence indicates that storage is unwritable.
	// Such messages are left unacknowledged and the worker stops.
	ErrPersistence = errors.New("persistence error")

	// ErrConcurrentRunSkipped is informational: a trigger fired while a run
	// for the same source was in flight and was coalesced.
	ErrConcurrentRunSkipped = errors.New("concurrent run skipped")
)

// StageError wraps an error with its classification and the stage it occurred in.
type StageError struct {
	Kind  error
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Malformed returns a MalformedPayload error for the given stage.
func Malformed(stage Stage, format string, args ...any) error {
	return &StageError{Kind: ErrMalformedPayload, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Capability wraps err as a CapabilityError for the given stage.
func Capability(stage Stage, err error) error {
	return &StageError{Kind: ErrCapability, Stage: stage, Err: err}
}

// Persistence wraps err as a PersistenceError for the given stage.
func Persistence(stage Stage, err error) error {
	return &StageError{Kind: ErrPersistence, Stage: stage, Err: err}
}

// Serialization wraps err as a SerializationError.
func Serialization(err error) error {
	return &StageError{Kind: ErrSerialization, Err: err}
}

// ErrorKind returns a short label for the classification of err, for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSerialization):
		return "serialization"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrCapability):
		return "capability"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrConcurrentRunSkipped):
		return "skipped"
	default:
		return "unknown"
	}
}
