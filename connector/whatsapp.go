package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/model"
	"github.com/brightpath-edu/cdp/normalizer"
)

// whatsAppBuffer bounds undelivered webhook events.
const whatsAppBuffer = 1024

// WhatsAppWebhook receives messaging-provider callbacks (inbound text,
// inbound media, delivery status) over HTTP and yields canonical
// events. Partitioning keys on the sender number.
type WhatsAppWebhook struct {
	authToken string
	norm      *normalizer.Normalizer
	events    chan queuedEvent
	rawPub    bus.Publisher // optional raw-topic mirror
	log       zerolog.Logger
}

type queuedEvent struct {
	event *model.CanonicalEvent
	key   string
}

// NewWhatsAppWebhook builds the webhook connector. An empty authToken
// disables signature verification — dev only.
func NewWhatsAppWebhook(authToken string, norm *normalizer.Normalizer, log zerolog.Logger) *WhatsAppWebhook {
	return &WhatsAppWebhook{
		authToken: authToken,
		norm:      norm,
		events:    make(chan queuedEvent, whatsAppBuffer),
		log:       log.With().Str("component", "whatsapp-webhook").Logger(),
	}
}

// MirrorRaw also publishes every accepted callback verbatim on the
// raw topic, preserving the source payload for audit and replay.
func (w *WhatsAppWebhook) MirrorRaw(pub bus.Publisher) *WhatsAppWebhook {
	w.rawPub = pub
	return w
}

func (w *WhatsAppWebhook) Name() string { return "whatsapp" }

func (w *WhatsAppWebhook) Start(context.Context) error {
	if w.authToken == "" {
		w.log.Warn().Msg("webhook auth token not set, signature verification disabled")
	}
	return nil
}

func (w *WhatsAppWebhook) Stop(context.Context) error { return nil }

func (w *WhatsAppWebhook) Next(ctx context.Context) (*model.CanonicalEvent, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case q := <-w.events:
		return q.event, q.key, nil
	}
}

// ServeHTTP handles the provider POST. The provider expects a fast 200;
// the event is queued and published asynchronously by the runner.
func (w *WhatsAppWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, "malformed form", http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if !w.validSignature(requestURL(r), params, r.Header.Get("X-Signature")) {
		w.log.Warn().Msg("webhook signature mismatch")
		http.Error(rw, "invalid signature", http.StatusForbidden)
		return
	}

	if w.rawPub != nil {
		if err := w.rawPub.Publish(r.Context(), bus.TopicRawWhatsApp, params["From"], params); err != nil {
			w.log.Warn().Err(err).Msg("raw mirror publish failed")
		}
	}

	from := params["From"]
	body := params["Body"]
	messageStatus := params["MessageStatus"]
	numMedia, _ := strconv.Atoi(params["NumMedia"])

	var mediaURLs []string
	for i := 0; i < numMedia; i++ {
		if u, ok := params["MediaUrl"+strconv.Itoa(i)]; ok {
			mediaURLs = append(mediaURLs, u)
		}
	}

	metadata := map[string]any{
		"from_number":    from,
		"message_sid":    params["MessageSid"],
		"num_media":      numMedia,
		"message_status": messageStatus,
	}

	var event *model.CanonicalEvent
	switch {
	case messageStatus != "":
		// Delivery status callback, no text to analyze.
		raw := map[string]any{
			"event_type":  "message_status",
			"from_number": from,
			"phone":       from,
			"message_sid": params["MessageSid"],
			"status":      messageStatus,
		}
		event = w.norm.NormalizeJSON(raw, model.SourceWhatsApp)
		event.EventType = "whatsapp.status." + messageStatus
	default:
		event = w.norm.NormalizeWhatsAppText(body, metadata)
		if len(mediaURLs) > 0 {
			event.NormalizedData["media_urls"] = mediaURLs
		}
	}

	select {
	case w.events <- queuedEvent{event: event, key: from}:
	default:
		w.log.Error().Msg("webhook buffer full, event dropped")
		http.Error(rw, "overloaded", http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(`{"status":"ok"}`))
}

// validSignature reproduces the provider's request signing: HMAC-SHA1
// over the full URL plus the sorted, urlencoded parameters, hex-encoded
// and compared in constant time.
func (w *WhatsAppWebhook) validSignature(fullURL string, params map[string]string, signature string) bool {
	if w.authToken == "" {
		return true
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	data := fullURL + values.Encode()

	mac := hmac.New(sha1.New, []byte(w.authToken))
	mac.Write([]byte(data))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}
