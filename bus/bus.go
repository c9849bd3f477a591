// Package bus is the message-bus adapter: at-least-once publish and
// consume on a partitioned bus, with retry, backoff, and dead-letter
// routing. The Kafka implementation backs production; MemoryBus backs
// tests with the same per-key FIFO semantics.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Canonical topics.
const (
	TopicRawClickstream = "cdp.raw.clickstream"
	TopicRawMobileApp   = "cdp.raw.mobile_app"
	TopicRawCRM         = "cdp.raw.crm"
	TopicRawWhatsApp    = "cdp.raw.whatsapp"
	TopicRawEmail       = "cdp.raw.email"
	TopicInteractions   = "cdp.processed.interactions"
	TopicStaging        = "cdp.bigquery.staging"
	TopicSegmentChanges = "cdp.segment.changes"
	TopicDLQ            = "cdp.dlq"
)

// IntegrationTopics receive erasure tombstones.
var IntegrationTopics = []string{
	TopicInteractions,
	TopicStaging,
	TopicSegmentChanges,
}

// ErrPublishFailed is the terminal error after the retry budget is spent.
var ErrPublishFailed = errors.New("publish failed after retries")

// Message is one bus record. Key determines the partition; equal keys
// are delivered FIFO to consumers sharing a group.
type Message struct {
	Topic string
	Key   string
	Value []byte

	Partition int
	Offset    int64

	// raw holds the underlying client message for offset commits.
	raw any
}

// Publisher publishes JSON values with at-least-once semantics.
type Publisher interface {
	// Publish serializes value as UTF-8 JSON and publishes it under key.
	// A nil value publishes a tombstone. Retries internally; returns a
	// terminal error wrapping ErrPublishFailed when the budget is spent.
	Publish(ctx context.Context, topic, key string, value any) error
	// Flush blocks until buffered messages are on the wire.
	Flush(ctx context.Context) error
	// Close releases the publisher.
	Close() error
}

// Consumer pulls partition batches with auto-commit disabled. Offsets
// advance only through Commit, after the caller acknowledges the batch.
type Consumer interface {
	// FetchBatch returns up to max messages, waiting at most wait for
	// the first one. An empty batch is not an error.
	FetchBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Commit acknowledges the given messages.
	Commit(ctx context.Context, msgs ...Message) error
	// Close releases the consumer.
	Close() error
}

// DLQMessage is the dead-letter envelope.
type DLQMessage struct {
	OriginalPayload json.RawMessage `json:"original_payload"`
	ErrorReason     string          `json:"error_reason"`
	FirstFailureAt  time.Time       `json:"first_failure_at"`
	AttemptCount    int             `json:"attempt_count"`
}

// ToDLQ wraps a failed message and publishes it on the dead-letter topic.
func ToDLQ(ctx context.Context, pub Publisher, msg Message, reason string, attempts int) error {
	dlq := DLQMessage{
		OriginalPayload: json.RawMessage(msg.Value),
		ErrorReason:     reason,
		FirstFailureAt:  time.Now().UTC(),
		AttemptCount:    attempts,
	}
	if !json.Valid(msg.Value) {
		// Preserve non-JSON payloads verbatim as a JSON string.
		quoted, err := json.Marshal(string(msg.Value))
		if err != nil {
			return fmt.Errorf("quote DLQ payload: %w", err)
		}
		dlq.OriginalPayload = quoted
	}
	if err := pub.Publish(ctx, TopicDLQ, msg.Key, dlq); err != nil {
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	return nil
}

// encodeValue serializes a publish value: nil stays nil (tombstone),
// byte slices pass through, everything else is marshalled as JSON.
func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("serialize payload: %w", err)
		}
		return b, nil
	}
}
