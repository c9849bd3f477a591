package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process bus with per-key FIFO ordering and
// consumer-group offsets. Tests and local runs use it in place of
// Kafka; the publish/consume contract is identical.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string][]Message
	// offsets is keyed by topic+group.
	offsets map[string]int64

	// PublishErrs makes the next n publishes fail. Test hook for the
	// retry path.
	PublishErrs int
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics:  make(map[string][]Message),
		offsets: make(map[string]int64),
	}
}

// Publish implements Publisher. Append order preserves per-key FIFO.
func (b *MemoryBus) Publish(_ context.Context, topic, key string, value any) error {
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErrs > 0 {
		b.PublishErrs--
		return ErrPublishFailed
	}
	b.topics[topic] = append(b.topics[topic], Message{
		Topic:  topic,
		Key:    key,
		Value:  payload,
		Offset: int64(len(b.topics[topic])),
	})
	return nil
}

// Flush implements Publisher.
func (b *MemoryBus) Flush(context.Context) error { return nil }

// Close implements Publisher.
func (b *MemoryBus) Close() error { return nil }

// Published returns a copy of everything published to a topic.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.topics[topic]...)
}

// ─── Consumer ───────────────────────────────────────────────

// MemoryConsumer reads one topic on behalf of a group.
type MemoryConsumer struct {
	bus   *MemoryBus
	topic string
	group string
	// uncommitted tracks the read position ahead of the committed offset.
	uncommitted int64
}

// NewConsumer returns a consumer for topic in the given group,
// positioned at the group's committed offset.
func (b *MemoryBus) NewConsumer(topic, group string) *MemoryConsumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &MemoryConsumer{
		bus:         b,
		topic:       topic,
		group:       group,
		uncommitted: b.offsets[topic+"/"+group],
	}
}

// FetchBatch implements Consumer.
func (c *MemoryConsumer) FetchBatch(_ context.Context, max int, _ time.Duration) ([]Message, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	msgs := c.bus.topics[c.topic]
	var batch []Message
	for int(c.uncommitted) < len(msgs) && len(batch) < max {
		batch = append(batch, msgs[c.uncommitted])
		c.uncommitted++
	}
	return batch, nil
}

// Commit implements Consumer: advances the group offset past the
// highest committed message.
func (c *MemoryConsumer) Commit(_ context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	key := c.topic + "/" + c.group
	for _, m := range msgs {
		if m.Offset+1 > c.bus.offsets[key] {
			c.bus.offsets[key] = m.Offset + 1
		}
	}
	return nil
}

// Close implements Consumer.
func (c *MemoryConsumer) Close() error { return nil }

// CommittedOffset returns the committed offset for a topic and group.
// Test hook.
func (b *MemoryBus) CommittedOffset(topic, group string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offsets[topic+"/"+group]
}
