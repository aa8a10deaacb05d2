// Package noop provides a telemetry.Logger/Metrics/Tracer that discards
// everything. It is the default used by components when no telemetry
// backend is supplied, and by unit tests that don't assert on log output.
package noop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dialcore/campaign-core/telemetry"
)

type (
	logger  struct{}
	metrics struct{}
	tracer  struct{}
	span    struct{}
)

// NewLogger returns a telemetry.Logger that discards all log calls.
func NewLogger() telemetry.Logger { return logger{} }

// NewMetrics returns a telemetry.Metrics that discards all recordings.
func NewMetrics() telemetry.Metrics { return metrics{} }

// NewTracer returns a telemetry.Tracer that produces no-op spans.
func NewTracer() telemetry.Tracer { return tracer{} }

func (logger) Debug(context.Context, string, ...any) {}
func (logger) Info(context.Context, string, ...any)  {}
func (logger) Warn(context.Context, string, ...any)  {}
func (logger) Error(context.Context, string, ...any) {}

func (metrics) IncCounter(string, float64, ...string)            {}
func (metrics) RecordTimer(string, time.Duration, ...string)     {}
func (metrics) RecordGauge(string, float64, ...string)           {}

func (tracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	return ctx, span{}
}
func (tracer) Span(ctx context.Context) telemetry.Span { return span{} }

func (span) End(...trace.SpanEndOption)              {}
func (span) AddEvent(string, ...any)                 {}
func (span) SetStatus(codes.Code, string)             {}
func (span) RecordError(error, ...trace.EventOption) {}
