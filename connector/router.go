package connector

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/observability"
)

// NewWebhookRouter mounts the webhook ingress endpoints plus health and
// metrics. This is the only HTTP surface the ingestion core exposes.
func NewWebhookRouter(whatsapp *WhatsAppWebhook, email *EmailWebhook, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", observability.Handler())

	if whatsapp != nil {
		r.Post("/webhooks/messaging/whatsapp", whatsapp.ServeHTTP)
	}
	if email != nil {
		r.Post("/webhooks/email/events", email.ServeHTTP)
	}

	log.Info().Msg("webhook router configured")
	return r
}
