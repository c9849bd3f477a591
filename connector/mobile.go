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

// mobileEventTypes is the known mobile telemetry vocabulary. Unknown
// types still flow through; the set only feeds a log hint for schema
// drift.
var mobileEventTypes = map[string]bool{
	"app_opened":            true,
	"lesson_completed":      true,
	"quiz_taken":            true,
	"push_clicked":          true,
	"course_downloaded":     true,
	"study_session_started": true,
	"study_session_ended":   true,
	"notification_received": true,
}

// MobileAppConnector consumes raw mobile telemetry. Device identifiers
// are extracted so cross-device resolution can link them to a profile.
// Partitioning keys on device_id.
type MobileAppConnector struct {
	consumer bus.Consumer
	norm     *normalizer.Normalizer
	log      zerolog.Logger
}

// NewMobileAppConnector wraps a consumer of cdp.raw.mobile_app.
func NewMobileAppConnector(consumer bus.Consumer, norm *normalizer.Normalizer, log zerolog.Logger) *MobileAppConnector {
	return &MobileAppConnector{
		consumer: consumer,
		norm:     norm,
		log:      log.With().Str("component", "mobile-connector").Logger(),
	}
}

func (c *MobileAppConnector) Name() string { return "mobile_app" }

func (c *MobileAppConnector) Start(context.Context) error { return nil }

func (c *MobileAppConnector) Stop(context.Context) error { return c.consumer.Close() }

func (c *MobileAppConnector) Next(ctx context.Context) (*model.CanonicalEvent, string, error) {
	for {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		msgs, err := c.consumer.FetchBatch(ctx, 1, time.Second)
		if err != nil {
			return nil, "", fmt.Errorf("fetch mobile events: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]

		var raw map[string]any
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			c.log.Warn().Int64("offset", msg.Offset).Err(err).Msg("invalid mobile payload, skipping")
			_ = c.consumer.Commit(ctx, msg)
			continue
		}
		deviceID, _ := raw["device_id"].(string)
		eventType, _ := raw["event_type"].(string)
		if deviceID == "" || eventType == "" {
			c.log.Warn().Int64("offset", msg.Offset).Msg("mobile event missing device_id or event_type, skipping")
			_ = c.consumer.Commit(ctx, msg)
			continue
		}
		if !mobileEventTypes[eventType] {
			c.log.Debug().Str("event_type", eventType).Msg("unrecognized mobile event type")
		}

		event := c.norm.NormalizeJSON(raw, model.SourceApp)
		if props, ok := raw["properties"].(map[string]any); ok {
			event.NormalizedData["properties"] = props
		}
		if token, ok := raw["firebase_token"].(string); ok && token != "" {
			event.NormalizedData["push_token"] = token
		}

		if err := c.consumer.Commit(ctx, msg); err != nil {
			return nil, "", fmt.Errorf("commit mobile offset: %w", err)
		}
		return event, deviceID, nil
	}
}
