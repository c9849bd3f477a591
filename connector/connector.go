// Package connector holds the source-specific ingestion paths. Every
// connector — bus consumer, webhook, or bulk import — exposes the same
// small interface and yields canonical events; source specifics live in
// the extraction, not in inheritance.
package connector

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/model"
)

// Connector produces canonical events from one source.
type Connector interface {
	// Name identifies the connector in logs and metrics.
	Name() string
	// Start acquires the connector's resources.
	Start(ctx context.Context) error
	// Stop releases them. Safe to call after a failed Start.
	Stop(ctx context.Context) error
	// Next blocks for the next event and returns it with its partition
	// key. Returns io.EOF when the source is exhausted (bulk imports).
	Next(ctx context.Context) (*model.CanonicalEvent, string, error)
}

// Runner drains a connector into the processed-interactions topic.
type Runner struct {
	connector Connector
	publisher bus.Publisher
	log       zerolog.Logger
}

// NewRunner wires a connector to the publisher.
func NewRunner(c Connector, pub bus.Publisher, log zerolog.Logger) *Runner {
	return &Runner{
		connector: c,
		publisher: pub,
		log:       log.With().Str("component", "ingest-runner").Str("connector", c.Name()).Logger(),
	}
}

// Run starts the connector and publishes events until the source is
// exhausted or ctx is cancelled. The connector is always stopped.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.connector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.connector.Stop(stopCtx); err != nil {
			r.log.Error().Err(err).Msg("connector stop failed")
		}
	}()

	r.log.Info().Msg("connector started")
	for {
		event, key, err := r.connector.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.log.Info().Msg("source exhausted")
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.publisher.Publish(ctx, bus.TopicInteractions, key, event); err != nil {
			return err
		}
	}
}
