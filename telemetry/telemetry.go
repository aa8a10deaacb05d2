// Package telemetry defines the structured logging, metrics, and tracing
// interfaces used throughout the campaign dispatch core. Domain packages
// (concurrency, waitlist, dispatch, janitor, reconcile, monitor, lifecycle,
// shutdown) depend only on these small interfaces, never on a concrete
// backend, so unit tests can supply lightweight stubs and production wiring
// can swap backends without touching domain code.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures the structured logging surface the core needs: slot
// grants/releases, waitlist promotions, reconciliation drift, circuit
// breaker transitions, and lifecycle operations.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for dispatch-rate, slot
// saturation, waitlist depth, and reconciliation-drift instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so domain code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
