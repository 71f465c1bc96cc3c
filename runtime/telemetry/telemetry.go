// Package telemetry integrates run tracing and remote execution with Clue
// logging and OpenTelemetry metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the module. Implementations
// typically delegate to Clue but the interface is small so tests can provide
// lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so callers remain agnostic of the underlying
// OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "runtrace.remote.invoke", trace.WithSpanKind(trace.SpanKindClient))
//	defer span.End()
//	span.SetStatus(codes.Ok, "completed successfully")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names.
const (
	// MetricEventsEmitted counts events published by tracing emitters.
	// Tags: event.
	MetricEventsEmitted = "runtrace.events.emitted"
	// MetricPatchesEmitted counts run log patch batches produced by log sinks.
	MetricPatchesEmitted = "runtrace.patches.emitted"
	// MetricRemoteRequests counts remote execution requests. Tags: endpoint,
	// outcome.
	MetricRemoteRequests = "runtrace.remote.requests"
	// MetricRemoteDuration times remote execution requests. Tags: endpoint.
	MetricRemoteDuration = "runtrace.remote.duration"
)
