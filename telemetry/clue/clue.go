// Package clue adapts goa.design/clue/log and OpenTelemetry to the
// telemetry.Logger/Metrics/Tracer interfaces for production wiring.
package clue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/dialcore/campaign-core/telemetry"
)

const instrumentationName = "github.com/dialcore/campaign-core"

type (
	// Logger delegates to goa.design/clue/log. Formatting and debug mode are
	// read from the context via log.Context/log.WithFormat/log.WithDebug.
	Logger struct{}

	// Metrics delegates to the global OTEL MeterProvider.
	Metrics struct {
		meter metric.Meter
	}

	// Tracer delegates to the global OTEL TracerProvider.
	Tracer struct {
		tracer trace.Tracer
	}

	span struct {
		span trace.Span
	}
)

// NewLogger constructs a telemetry.Logger backed by goa.design/clue/log.
func NewLogger() telemetry.Logger { return Logger{} }

// NewMetrics constructs a telemetry.Metrics backed by OTEL metrics.
func NewMetrics() telemetry.Metrics {
	return &Metrics{meter: otel.Meter(instrumentationName)}
}

// NewTracer constructs a telemetry.Tracer backed by OTEL tracing.
func NewTracer() telemetry.Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

func (Logger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

func (Logger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

func (Logger) Warn(ctx context.Context, msg string, keyvals ...any) {
	f := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvToFielders(keyvals)...)
	log.Warn(ctx, f...)
}

func (Logger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fields(msg, keyvals)...)
}

func fields(msg string, keyvals []any) []log.Fielder {
	return append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)
}

func kvToFielders(keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, log.KV{K: key, V: keyvals[i+1]})
	}
	return out
}

func (m *Metrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *Metrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *Metrics) RecordGauge(name string, value float64, tags ...string) {
	// OTEL has no synchronous gauge instrument; a histogram approximates one
	// for the low-cardinality point-in-time values this core records
	// (active-call counts, waitlist depth).
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	newCtx, s := t.tracer.Start(ctx, name, opts...)
	return newCtx, &span{span: s}
}

func (t *Tracer) Span(ctx context.Context) telemetry.Span {
	return &span{span: trace.SpanFromContext(ctx)}
}

func (s *span) End(opts ...trace.SpanEndOption)             { s.span.End(opts...) }
func (s *span) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s *span) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }
func (s *span) AddEvent(name string, attrs ...any) {
	kvs := make([]attribute.KeyValue, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		if v, ok := attrs[i+1].(string); ok {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	s.span.AddEvent(name, trace.WithAttributes(kvs...))
}
