// Package processor coordinates the pipeline: it pulls canonical
// events off the bus, resolves identities, updates golden records, and
// publishes downstream — routing anything unprocessable to the DLQ.
// One task per message, bounded by a semaphore; offsets commit only
// after the whole poll batch has been handled.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/dedup"
	"github.com/brightpath-edu/cdp/logger"
	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/observability"
	"github.com/brightpath-edu/cdp/profile"
	"github.com/brightpath-edu/cdp/segment"
	"github.com/brightpath-edu/cdp/store"
)

// Resolver is the identity-resolution dependency.
type Resolver interface {
	Resolve(ctx context.Context, event *model.CanonicalEvent) (string, error)
}

// reasonMaxLen truncates DLQ error reasons.
const reasonMaxLen = 120

// StagingRecord is the downstream envelope for warehouse staging.
type StagingRecord struct {
	ProfileID       string                `json:"profile_id"`
	Event           *model.CanonicalEvent `json:"event"`
	ProfileSnapshot *model.Profile        `json:"profile_snapshot"`
}

// Options configures a Processor.
type Options struct {
	MaxConcurrency int // semaphore capacity, default 10
	BatchSize      int // max messages per poll, default 50
	PollWait       time.Duration
}

// Processor runs the per-message pipeline.
type Processor struct {
	consumer  bus.Consumer
	publisher bus.Publisher
	resolver  Resolver
	builder   *profile.Builder
	profiles  store.ProfileStore
	dedup     dedup.Deduplicator
	sem       *semaphore.Weighted
	opts      Options
	log       zerolog.Logger
}

// New builds a Processor. dedup may be nil to disable duplicate
// suppression.
func New(
	consumer bus.Consumer,
	publisher bus.Publisher,
	resolver Resolver,
	builder *profile.Builder,
	profiles store.ProfileStore,
	dd dedup.Deduplicator,
	opts Options,
	log zerolog.Logger,
) *Processor {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 10
	}
	if opts.MaxConcurrency > 100 {
		opts.MaxConcurrency = 100
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if opts.PollWait <= 0 {
		opts.PollWait = time.Second
	}
	return &Processor{
		consumer:  consumer,
		publisher: publisher,
		resolver:  resolver,
		builder:   builder,
		profiles:  profiles,
		dedup:     dd,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		opts:      opts,
		log:       log.With().Str("component", "stream-processor").Logger(),
	}
}

// Run consumes until ctx is cancelled, then drains in-flight tasks,
// flushes the publisher, and closes the consumer.
func (p *Processor) Run(ctx context.Context) error {
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.publisher.Flush(flushCtx); err != nil {
			p.log.Error().Err(err).Msg("publisher flush failed on shutdown")
		}
		if err := p.consumer.Close(); err != nil {
			p.log.Error().Err(err).Msg("consumer close failed on shutdown")
		}
	}()

	p.log.Info().
		Int("max_concurrency", p.opts.MaxConcurrency).
		Int("batch_size", p.opts.BatchSize).
		Msg("stream processor started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("stream processor shut down gracefully")
			return nil
		default:
		}

		batch, err := p.consumer.FetchBatch(ctx, p.opts.BatchSize, p.opts.PollWait)
		if err != nil && ctx.Err() != nil {
			p.log.Info().Msg("stream processor shut down gracefully")
			return nil
		}
		if err != nil {
			p.log.Error().Err(err).Msg("fetch failed")
			continue
		}
		if len(batch) == 0 {
			continue
		}
		p.RunBatch(ctx, batch)

		// Commit exactly once per batch, after every task finished
		// (successfully or via DLQ).
		if err := p.consumer.Commit(context.WithoutCancel(ctx), batch...); err != nil {
			p.log.Error().Err(err).Msg("offset commit failed")
		}
	}
}

// RunBatch processes a poll batch and waits for all tasks. Messages
// sharing a partition key run sequentially in arrival order so the
// per-key FIFO guarantee survives the fan-out; distinct keys run
// concurrently under the semaphore.
func (p *Processor) RunBatch(ctx context.Context, batch []bus.Message) {
	var keyOrder []string
	groups := make(map[string][]bus.Message)
	var keyless []bus.Message
	for _, msg := range batch {
		if msg.Key == "" {
			keyless = append(keyless, msg)
			continue
		}
		if _, ok := groups[msg.Key]; !ok {
			keyOrder = append(keyOrder, msg.Key)
		}
		groups[msg.Key] = append(groups[msg.Key], msg)
	}

	var wg sync.WaitGroup
	spawn := func(msgs []bus.Message) {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-batch: finish inline so the batch still
			// completes before the commit.
			for _, m := range msgs {
				p.processOne(context.WithoutCancel(ctx), m)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			for _, m := range msgs {
				p.processOne(ctx, m)
			}
		}()
	}

	for _, key := range keyOrder {
		spawn(groups[key])
	}
	for _, msg := range keyless {
		spawn([]bus.Message{msg})
	}
	wg.Wait()
}

// processOne runs the pipeline for a single message. It never returns
// an error into the batch; failures become DLQ entries.
func (p *Processor) processOne(ctx context.Context, msg bus.Message) {
	start := time.Now()
	defer func() {
		observability.ProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	ctx = logger.WithCorrelationID(ctx, logger.NewCorrelationID())
	log := logger.ForContext(ctx, p.log)

	var event model.CanonicalEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		p.toDLQ(ctx, log, msg, "deserialization")
		return
	}

	if p.dedup != nil {
		seen, err := p.dedup.Seen(ctx, event.EventID)
		if err == nil && seen {
			log.Debug().Str("event_id", event.EventID).Msg("duplicate event skipped")
			return
		}
	}

	if !model.ValidSources[event.Source] {
		p.toDLQ(ctx, log, msg, "unknown_source")
		return
	}

	profileID, err := p.resolver.Resolve(ctx, &event)
	if err != nil {
		p.toDLQ(ctx, log, msg, truncateReason(err))
		return
	}

	var previousSegments []string
	if prior, err := p.profiles.Get(ctx, profileID); err == nil {
		previousSegments = prior.Segments
	}

	updated, err := p.builder.UpdateProfile(ctx, profileID, &event)
	if err != nil {
		p.toDLQ(ctx, log, msg, truncateReason(err))
		return
	}

	record := StagingRecord{ProfileID: profileID, Event: &event, ProfileSnapshot: updated}
	if p.consentBlocked(updated) {
		log.Info().Str("profile_id", profileID).Msg("analytics consent withdrawn, staging publish skipped")
	} else if err := p.publisher.Publish(ctx, bus.TopicStaging, profileID, record); err != nil {
		p.toDLQ(ctx, log, msg, truncateReason(err))
		return
	}

	added, removed := segment.Diff(previousSegments, updated.Segments)
	if err := segment.PublishChange(ctx, p.publisher, profileID, added, removed); err != nil {
		log.Error().Err(err).Str("profile_id", profileID).Msg("segment change publish failed")
	}

	observability.EventsProcessed.WithLabelValues(string(event.Source)).Inc()
	log.Debug().
		Str("event_id", event.EventID).
		Str("profile_id", profileID).
		Str("source", string(event.Source)).
		Msg("event processed")
}

// consentBlocked gates the downstream publish on an explicit analytics
// opt-out. Absent consent does not block internal processing.
func (p *Processor) consentBlocked(profile *model.Profile) bool {
	entry, ok := profile.ChannelConsent["analytics"]
	return ok && !entry.Consented
}

func (p *Processor) toDLQ(ctx context.Context, log zerolog.Logger, msg bus.Message, reason string) {
	observability.DLQMessages.WithLabelValues(reason).Inc()
	log.Warn().Str("reason", reason).Int64("offset", msg.Offset).Msg("event routed to DLQ")
	if err := bus.ToDLQ(ctx, p.publisher, msg, reason, 1); err != nil {
		log.Error().Err(err).Msg("DLQ publish failed")
	}
}

func truncateReason(err error) string {
	reason := fmt.Sprintf("%v", err)
	if len(reason) > reasonMaxLen {
		reason = reason[:reasonMaxLen]
	}
	return reason
}
