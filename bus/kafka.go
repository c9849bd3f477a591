package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/brightpath-edu/cdp/observability"
)

// KafkaConfig carries the connection and retry settings for the Kafka
// adapter. Field values come from the stable env contract in config.
type KafkaConfig struct {
	Brokers          []string
	SecurityProtocol string // PLAINTEXT, SASL_PLAINTEXT, SASL_SSL
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string

	MaxRetries  int           // publish attempts, default 5
	BaseBackoff time.Duration // first retry delay, default 500ms
}

// transport builds a kafka transport honoring the security protocol.
func (c KafkaConfig) transport() *kafka.Transport {
	t := &kafka.Transport{}
	if strings.HasPrefix(c.SecurityProtocol, "SASL") {
		t.SASL = plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}
	}
	if strings.HasSuffix(c.SecurityProtocol, "SSL") {
		t.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return t
}

// ─── Publisher ──────────────────────────────────────────────

// KafkaPublisher publishes with exponential-backoff retry. Keys hash to
// partitions, so equal keys preserve FIFO order to a consumer group.
type KafkaPublisher struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	log    zerolog.Logger

	// write is swappable for tests.
	write func(ctx context.Context, msg kafka.Message) error
}

// NewKafkaPublisher builds a publisher for the given cluster.
func NewKafkaPublisher(cfg KafkaConfig, log zerolog.Logger) *KafkaPublisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport:    cfg.transport(),
		// The adapter owns retries so attempts are observable per topic.
		MaxAttempts: 1,
	}
	p := &KafkaPublisher{
		writer: w,
		cfg:    cfg,
		log:    log.With().Str("component", "kafka-publisher").Logger(),
	}
	p.write = func(ctx context.Context, msg kafka.Message) error {
		return w.WriteMessages(ctx, msg)
	}
	return p
}

// Publish implements Publisher. Backoff doubles per attempt starting at
// BaseBackoff; after MaxRetries failures the error is terminal.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: topic, Value: payload}
	if key != "" {
		msg.Key = []byte(key)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := p.write(ctx, msg); err == nil {
			observability.EventsProduced.WithLabelValues(topic).Inc()
			return nil
		} else {
			lastErr = err
		}
		observability.ProduceErrors.WithLabelValues(topic).Inc()

		backoff := p.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
		p.log.Warn().
			Err(lastErr).
			Str("topic", topic).
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.MaxRetries).
			Dur("backoff", backoff).
			Msg("publish failed, retrying")

		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w: %v", topic, p.cfg.MaxRetries, ErrPublishFailed, lastErr)
}

// Flush is a no-op for the synchronous writer: WriteMessages returns
// only once the batch is acknowledged.
func (p *KafkaPublisher) Flush(context.Context) error { return nil }

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// ─── Consumer ───────────────────────────────────────────────

// KafkaConsumer is a consumer-group reader with auto-commit disabled.
type KafkaConsumer struct {
	reader *kafka.Reader
	log    zerolog.Logger
}

// NewKafkaConsumer subscribes the group to a topic.
func NewKafkaConsumer(cfg KafkaConfig, topic, group string, log zerolog.Logger) *KafkaConsumer {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if strings.HasPrefix(cfg.SecurityProtocol, "SASL") {
		dialer.SASLMechanism = plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}
	}
	if strings.HasSuffix(cfg.SecurityProtocol, "SSL") {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   topic,
		GroupID: group,
		Dialer:  dialer,
		// Offsets are committed explicitly after batch acknowledgement.
		CommitInterval: 0,
		MinBytes:       1,
		MaxBytes:       10 << 20,
	})
	return &KafkaConsumer{
		reader: r,
		log:    log.With().Str("component", "kafka-consumer").Str("topic", topic).Str("group", group).Logger(),
	}
}

// FetchBatch implements Consumer. It collects messages until max are in
// hand or wait has elapsed since the call began, whichever comes first.
func (c *KafkaConsumer) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var batch []Message
	for len(batch) < max {
		m, err := c.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			// Deadline on an otherwise healthy fetch ends the batch.
			break
		}
		batch = append(batch, Message{
			Topic:     m.Topic,
			Key:       string(m.Key),
			Value:     m.Value,
			Partition: m.Partition,
			Offset:    m.Offset,
			raw:       m,
		})
	}
	return batch, nil
}

// Commit implements Consumer.
func (c *KafkaConsumer) Commit(ctx context.Context, msgs ...Message) error {
	raws := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		if km, ok := m.raw.(kafka.Message); ok {
			raws = append(raws, km)
		}
	}
	if len(raws) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, raws...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// Close releases the underlying reader.
func (c *KafkaConsumer) Close() error { return c.reader.Close() }
