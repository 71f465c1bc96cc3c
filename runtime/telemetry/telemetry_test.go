package telemetry_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
	"goa.design/runtrace/runtime/telemetry"
)

func TestNoopLogger(_ *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()
	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestNoopMetrics(_ *testing.T) {
	metrics := telemetry.NewNoopMetrics()
	metrics.IncCounter(telemetry.MetricEventsEmitted, 1.0, "event", "on_llm_start")
	metrics.RecordTimer(telemetry.MetricRemoteDuration, 100*time.Millisecond, "endpoint", "invoke")
	metrics.RecordGauge("queue.depth", 42.0)
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := telemetry.NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "test.operation")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)
	span.AddEvent("test.event", "key", "value")
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("test error"))
	span.End()
	require.NotNil(t, tracer.Span(ctx))
}

func TestClueLoggerError(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON))
	telemetry.NewClueLogger().Error(ctx, "emit failed", "err", errors.New("sink closed"), "run_id", "r1")
	out := buf.String()
	require.Contains(t, out, "emit failed")
	require.Contains(t, out, "sink closed")
	require.Contains(t, out, "r1")
}

func TestClueMetricsAndTracer(_ *testing.T) {
	metrics := telemetry.NewClueMetrics()
	metrics.IncCounter(telemetry.MetricRemoteRequests, 1, "endpoint", "invoke", "outcome", "ok")
	metrics.IncCounter(telemetry.MetricRemoteRequests, 1, "endpoint", "invoke", "outcome", "ok")
	metrics.RecordTimer(telemetry.MetricRemoteDuration, time.Second, "endpoint", "invoke")

	ctx, span := telemetry.NewClueTracer().Start(context.Background(), "op")
	span.AddEvent("evt", "n", 1, "ok", true)
	span.End()
	_ = ctx
}

func TestKeyValues(t *testing.T) {
	attrs := telemetry.KeyValues("s", "v", "i", 3, "b", true, "f", 1.5, "tags", []string{"a"}, "other", struct{ X int }{1}, "dangling")
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 3),
		attribute.Bool("b", true),
		attribute.Float64("f", 1.5),
		attribute.StringSlice("tags", []string{"a"}),
		attribute.String("other", "{1}"),
		attribute.String("dangling", ""),
	}, attrs)
}
