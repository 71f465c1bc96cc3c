package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/telemetry"
)

// SpanSubscriber records one span per published run. Child spans are nested
// under the span of their parent run when the parent was published.
type SpanSubscriber struct {
	tracer telemetry.Tracer

	mu    sync.Mutex
	spans map[string]openSpan
}

type openSpan struct {
	ctx  context.Context
	span telemetry.Span
}

// NewSpanSubscriber returns a subscriber recording spans with tracer.
func NewSpanSubscriber(tracer telemetry.Tracer) *SpanSubscriber {
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &SpanSubscriber{tracer: tracer, spans: make(map[string]openSpan)}
}

// HandleEvent implements hooks.Subscriber.
func (s *SpanSubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	switch evt.Type {
	case hooks.RunStarted:
		s.start(ctx, evt)
	case hooks.RunStreamed:
		s.mu.Lock()
		o, ok := s.spans[evt.Run.ID]
		s.mu.Unlock()
		if ok {
			o.span.AddEvent(evt.Name())
		}
	case hooks.RunEnded:
		s.mu.Lock()
		o, ok := s.spans[evt.Run.ID]
		delete(s.spans, evt.Run.ID)
		s.mu.Unlock()
		if !ok {
			return nil
		}
		if evt.Err != nil {
			o.span.RecordError(evt.Err)
			o.span.SetStatus(codes.Error, evt.Err.Error())
		} else {
			o.span.SetStatus(codes.Ok, "")
		}
		o.span.End()
	}
	return nil
}

// Open returns the number of spans not yet ended.
func (s *SpanSubscriber) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spans)
}

func (s *SpanSubscriber) start(ctx context.Context, evt hooks.Event) {
	s.mu.Lock()
	parent, ok := s.spans[evt.Run.ParentID]
	s.mu.Unlock()
	if ok {
		ctx = parent.ctx
	}
	attrs := telemetry.KeyValues(
		"runtrace.run_id", evt.Run.ID,
		"runtrace.run_kind", string(evt.Run.Kind),
		"runtrace.run_name", evt.Run.Name,
		"runtrace.tags", evt.Run.Tags,
	)
	if evt.Run.ParentID != "" {
		attrs = append(attrs, telemetry.KeyValues("runtrace.parent_id", evt.Run.ParentID)...)
	}
	spanCtx, span := s.tracer.Start(ctx, "runtrace."+string(evt.Run.Kind)+" "+evt.Run.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	s.mu.Lock()
	s.spans[evt.Run.ID] = openSpan{ctx: spanCtx, span: span}
	s.mu.Unlock()
}
