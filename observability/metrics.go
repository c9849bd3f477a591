// Package observability exposes the pipeline's Prometheus metrics.
// Collectors are registered on the default registry at init; services
// mount Handler() to expose them.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsProduced counts successful publishes per topic.
	EventsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_events_produced_total",
		Help: "Total events successfully published to the bus.",
	}, []string{"topic"})

	// ProduceErrors counts failed publish attempts per topic.
	ProduceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_produce_errors_total",
		Help: "Total failed publish attempts.",
	}, []string{"topic"})

	// EventsProcessed counts events that completed the pipeline per source.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_events_processed_total",
		Help: "Total events processed end to end.",
	}, []string{"source"})

	// DLQMessages counts events routed to the dead-letter topic.
	DLQMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_dlq_total",
		Help: "Events sent to the dead-letter queue.",
	}, []string{"reason"})

	// ProcessingLatency tracks end-to-end per-event latency.
	ProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdp_processing_latency_seconds",
		Help:    "End-to-end event processing latency.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	// IdentityMatches counts resolution outcomes by strategy.
	IdentityMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_identity_resolution_matches_total",
		Help: "Identity resolution outcomes by match strategy.",
	}, []string{"match_type"})

	// LockConflicts counts optimistic-lock retries on profile writes.
	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdp_profile_lock_conflicts_total",
		Help: "Optimistic lock conflicts during profile writes.",
	})

	// ErasureSteps counts erasure cascade step outcomes per store.
	ErasureSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_erasure_steps_total",
		Help: "Erasure cascade step outcomes.",
	}, []string{"store", "outcome"})
)

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
