package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/normalizer"
)

// emailEventTypes the webhook accepts.
var emailEventTypes = map[string]bool{
	"email_opened":       true,
	"email_clicked":      true,
	"email_bounced":      true,
	"email_unsubscribed": true,
}

// Apple Mail Privacy Protection proxies opens; its fetches are
// recognizable by user-agent fragments so downstream analytics can
// filter machine opens.
var machineOpenIndicators = []string{"apple", "cfnetwork"}

const emailBuffer = 1024

// emailPayload is the provider's JSON body.
type emailPayload struct {
	EventType      string `json:"event_type"`
	RecipientEmail string `json:"recipient_email"`
	CampaignID     string `json:"campaign_id,omitempty"`
	URL            string `json:"url,omitempty"`
	BounceType     string `json:"bounce_type,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	IP             string `json:"ip,omitempty"`
}

// EmailWebhook receives email-marketing events (open, click, bounce,
// unsubscribe) over HTTP. Partitioning keys on the recipient email.
type EmailWebhook struct {
	secret string
	norm   *normalizer.Normalizer
	events chan queuedEvent
	rawPub bus.Publisher // optional raw-topic mirror
	log    zerolog.Logger
}

// NewEmailWebhook builds the webhook connector. An empty secret
// disables signature verification — dev only.
func NewEmailWebhook(secret string, norm *normalizer.Normalizer, log zerolog.Logger) *EmailWebhook {
	return &EmailWebhook{
		secret: secret,
		norm:   norm,
		events: make(chan queuedEvent, emailBuffer),
		log:    log.With().Str("component", "email-webhook").Logger(),
	}
}

// MirrorRaw also publishes every accepted payload verbatim on the raw
// topic, preserving the source payload for audit and replay.
func (e *EmailWebhook) MirrorRaw(pub bus.Publisher) *EmailWebhook {
	e.rawPub = pub
	return e
}

func (e *EmailWebhook) Name() string { return "email" }

func (e *EmailWebhook) Start(context.Context) error {
	if e.secret == "" {
		e.log.Warn().Msg("webhook secret not set, signature verification disabled")
	}
	return nil
}

func (e *EmailWebhook) Stop(context.Context) error { return nil }

func (e *EmailWebhook) Next(ctx context.Context) (*model.CanonicalEvent, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case q := <-e.events:
		return q.event, q.key, nil
	}
}

// ServeHTTP handles the provider POST. The signature is HMAC-SHA256
// over the raw body, hex-encoded in X-Webhook-Signature.
func (e *EmailWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "unreadable body", http.StatusBadRequest)
		return
	}

	if !e.validSignature(body, r.Header.Get("X-Webhook-Signature")) {
		e.log.Warn().Msg("webhook signature mismatch")
		http.Error(rw, "invalid signature", http.StatusForbidden)
		return
	}

	var payload emailPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "malformed payload", http.StatusBadRequest)
		return
	}
	if !emailEventTypes[payload.EventType] {
		http.Error(rw, "unknown event type", http.StatusBadRequest)
		return
	}
	if payload.RecipientEmail == "" {
		http.Error(rw, "missing recipient_email", http.StatusBadRequest)
		return
	}

	if e.rawPub != nil {
		if err := e.rawPub.Publish(r.Context(), bus.TopicRawEmail, payload.RecipientEmail, json.RawMessage(body)); err != nil {
			e.log.Warn().Err(err).Msg("raw mirror publish failed")
		}
	}

	raw := map[string]any{
		"event_type":  payload.EventType,
		"email":       payload.RecipientEmail,
		"campaign_id": payload.CampaignID,
	}
	if payload.URL != "" {
		raw["link_url"] = payload.URL
	}
	if payload.BounceType != "" {
		raw["bounce_type"] = payload.BounceType
	}
	if payload.UserAgent != "" {
		raw["user_agent"] = payload.UserAgent
	}
	if payload.IP != "" {
		raw["ip_address"] = payload.IP
	}

	event := e.norm.NormalizeJSON(raw, model.SourceEmail)
	event.NormalizedData["is_machine_open"] = isMachineOpen(payload.EventType, payload.UserAgent)

	select {
	case e.events <- queuedEvent{event: event, key: payload.RecipientEmail}:
	default:
		e.log.Error().Msg("webhook buffer full, event dropped")
		http.Error(rw, "overloaded", http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(`{"status":"ok"}`))
}

func (e *EmailWebhook) validSignature(body []byte, signature string) bool {
	if e.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(e.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func isMachineOpen(eventType, userAgent string) bool {
	if eventType != "email_opened" || userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, indicator := range machineOpenIndicators {
		if strings.Contains(ua, indicator) {
			return true
		}
	}
	return false
}
