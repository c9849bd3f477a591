// Package logger configures the service-wide zerolog logger: JSON
// lines with timestamp, service, and environment fields on every event,
// and automatic PII redaction on the output path. The correlation_id
// field is carried only by loggers derived with ForContext; events
// logged through the root logger or its component children have none.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/config"
)

// New returns the configured root logger. All output passes through the
// redaction writer, so PII never reaches the log sink.
func New(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		lvl = parsed
	} else if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := NewRedactingWriter(os.Stderr)
	return zerolog.New(out).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Env).
		Logger()
}

// correlationKey carries the correlation ID through context.
type correlationKey struct{}

// NewCorrelationID returns a fresh correlation ID.
func NewCorrelationID() string { return uuid.NewString() }

// WithCorrelationID stores a correlation ID in the context.
func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationKey{}, cid)
}

// CorrelationID returns the context's correlation ID, creating one when
// absent.
func CorrelationID(ctx context.Context) string {
	if cid, ok := ctx.Value(correlationKey{}).(string); ok && cid != "" {
		return cid
	}
	return NewCorrelationID()
}

// ForContext derives a logger carrying the context's correlation ID.
func ForContext(ctx context.Context, log zerolog.Logger) zerolog.Logger {
	return log.With().Str("correlation_id", CorrelationID(ctx)).Logger()
}
