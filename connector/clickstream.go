package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/normalizer"
)

// ClickstreamConnector consumes raw website events from the bus,
// validates the minimal raw shape, and normalizes them. Partitioning
// keys on session_id so one browsing session stays ordered.
type ClickstreamConnector struct {
	consumer bus.Consumer
	norm     *normalizer.Normalizer
	log      zerolog.Logger
}

// NewClickstreamConnector wraps a consumer of cdp.raw.clickstream.
func NewClickstreamConnector(consumer bus.Consumer, norm *normalizer.Normalizer, log zerolog.Logger) *ClickstreamConnector {
	return &ClickstreamConnector{
		consumer: consumer,
		norm:     norm,
		log:      log.With().Str("component", "clickstream-connector").Logger(),
	}
}

func (c *ClickstreamConnector) Name() string { return "clickstream" }

func (c *ClickstreamConnector) Start(context.Context) error { return nil }

func (c *ClickstreamConnector) Stop(context.Context) error { return c.consumer.Close() }

// Next fetches raw messages until one validates, then returns it
// normalized. Invalid payloads are logged with their offset and
// skipped; they never abort the loop.
func (c *ClickstreamConnector) Next(ctx context.Context) (*model.CanonicalEvent, string, error) {
	for {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		msgs, err := c.consumer.FetchBatch(ctx, 1, time.Second)
		if err != nil {
			return nil, "", fmt.Errorf("fetch clickstream: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]

		var raw map[string]any
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			c.log.Warn().Int64("offset", msg.Offset).Err(err).Msg("invalid clickstream payload, skipping")
			_ = c.consumer.Commit(ctx, msg)
			continue
		}
		sessionID, _ := raw["session_id"].(string)
		pageURL, _ := raw["page_url"].(string)
		if sessionID == "" || pageURL == "" {
			c.log.Warn().Int64("offset", msg.Offset).Msg("clickstream event missing session_id or page_url, skipping")
			_ = c.consumer.Commit(ctx, msg)
			continue
		}

		event := c.norm.NormalizeJSON(raw, model.SourceWebsite)
		// Carry the parsed clickstream fields forward explicitly.
		event.NormalizedData["session_id"] = sessionID
		event.NormalizedData["page_url"] = pageURL
		if utm, ok := raw["utm_params"].(map[string]any); ok {
			event.NormalizedData["utm_params"] = utm
		}
		if ref, ok := raw["referrer"].(string); ok && ref != "" {
			event.NormalizedData["referrer"] = ref
		}

		if err := c.consumer.Commit(ctx, msg); err != nil {
			return nil, "", fmt.Errorf("commit clickstream offset: %w", err)
		}
		return event, sessionID, nil
	}
}
