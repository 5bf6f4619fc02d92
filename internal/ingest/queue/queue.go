// Package queue provides the durable FIFO queues that connect pipeline stages.
//
// Every backend gives at-least-once delivery: a message leaves its queue only
// when the consumer acknowledges it, and a message held by a consumer that
// goes away is delivered again with Redelivered set.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/janovincze/tidings/internal/ingest"
)

// Default queue names.
const (
	RawItems      = "raw_items"
	CleanItems    = "clean_items"
	AnnotateItems = "annotate_items"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Delivery is the handle of one received message.
type Delivery interface {
	// Ack removes the message from the queue.
	Ack() error

	// Reject returns the message to the queue when requeue is true and drops
	// it otherwise.
	Reject(requeue bool) error

	// Redelivered reports whether the message was delivered before.
	Redelivered() bool
}

// Handler processes one decoded message. Returning a non-nil error stops the
// consumer; the message is left unacknowledged and will be redelivered.
type Handler func(ctx context.Context, msg *ingest.Message, d Delivery) error

// Broker is a set of named durable queues.
type Broker interface {
	// Declare creates the queue if it does not exist. It is idempotent.
	Declare(ctx context.Context, name string) error

	// Publish appends the message to the queue. It returns once the broker
	// has accepted the message durably.
	Publish(ctx context.Context, name string, msg *ingest.Message) error

	// Consume delivers messages from the queue to handler, holding at most
	// prefetch unacknowledged messages. It blocks until ctx ends, the
	// handler returns an error, or the broker fails.
	Consume(ctx context.Context, name string, prefetch int, handler Handler) error

	// Close releases the broker's resources.
	Close() error
}

// Encode serializes a message as UTF-8 JSON. Payloads holding raw bytes,
// invalid UTF-8 or non-finite numbers are rejected with a serialization error.
func Encode(msg *ingest.Message) ([]byte, error) {
	if msg == nil {
		return nil, ingest.Serialization(errors.New("nil message"))
	}
	for k, v := range msg.Payload {
		if err := checkValue(k, v); err != nil {
			return nil, ingest.Serialization(err)
		}
	}
	for k, v := range msg.Annotation {
		if err := checkValue("annotation."+k, v); err != nil {
			return nil, ingest.Serialization(err)
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, ingest.Serialization(err)
	}
	return body, nil
}

// Decode parses a message body produced by Encode.
func Decode(body []byte) (*ingest.Message, error) {
	if !utf8.Valid(body) {
		return nil, ingest.Serialization(errors.New("body is not valid UTF-8"))
	}
	var msg ingest.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, ingest.Serialization(err)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	return &msg, nil
}

func checkValue(path string, v any) error {
	switch t := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return nil
	case string:
		if !utf8.ValidString(t) {
			return fmt.Errorf("field %s: invalid UTF-8", path)
		}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("field %s: non-finite number", path)
		}
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return fmt.Errorf("field %s: non-finite number", path)
		}
	case []byte:
		return fmt.Errorf("field %s: binary values are not allowed", path)
	case []string:
		for i, s := range t {
			if !utf8.ValidString(s) {
				return fmt.Errorf("field %s[%d]: invalid UTF-8", path, i)
			}
		}
	case []any:
		for i, e := range t {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), e); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, e := range t {
			if !utf8.ValidString(k) {
				return fmt.Errorf("field %s: invalid UTF-8 key", path)
			}
			if err := checkValue(path+"."+k, e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("field %s: unsupported type %T", path, v)
	}
	return nil
}
