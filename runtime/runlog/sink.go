package runlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/patch"
	"goa.design/runtrace/runtime/stream"
	"goa.design/runtrace/runtime/telemetry"
)

type (
	// Sink is a hooks subscriber that turns lifecycle events into patch
	// batches. Batches are queued in emission order and consumed once through
	// Patches.
	//
	// The root document describes the root run: the run of events flagged
	// hooks.Event.Root or, when no event is flagged, the first run started.
	// Every other run becomes an entry of "logs".
	Sink struct {
		queue   *stream.Queue[Patch]
		metrics telemetry.Metrics

		mu      sync.Mutex
		rootID  string
		keys    map[string]string // run id -> log key
		counter map[string]int    // run name -> number of runs seen
	}

	// SinkOption configures a Sink.
	SinkOption func(*Sink)
)

// WithSinkMetrics sets the metrics recorder.
func WithSinkMetrics(m telemetry.Metrics) SinkOption {
	return func(s *Sink) { s.metrics = m }
}

// NewSink returns an open sink.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		queue:   stream.NewQueue[Patch](),
		metrics: telemetry.NewNoopMetrics(),
		keys:    make(map[string]string),
		counter: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Patches returns the reader of the produced batches. It can be called once.
func (s *Sink) Patches() (*stream.Reader[Patch], error) {
	return s.queue.Reader()
}

// Close ends the batch sequence. Close is idempotent.
func (s *Sink) Close() {
	s.queue.Close()
}

// HandleEvent implements hooks.Subscriber.
func (s *Sink) HandleEvent(_ context.Context, evt hooks.Event) error {
	p, ok := s.patchFor(evt)
	if !ok {
		return nil
	}
	if err := s.queue.Push(p); err != nil {
		return fmt.Errorf("runlog: queue patch for %s: %w", evt.Name(), err)
	}
	s.metrics.IncCounter(telemetry.MetricPatchesEmitted, 1, "event", evt.Name())
	return nil
}

func (s *Sink) patchFor(evt hooks.Event) (Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.Type == hooks.RunStarted && (evt.Root || s.rootID == "") {
		s.rootID = evt.Run.ID
	}
	if evt.Run.ID == s.rootID {
		return rootPatch(evt), true
	}
	switch evt.Type {
	case hooks.RunStarted:
		key := s.newKey(evt.Run.Name)
		s.keys[evt.Run.ID] = key
		return NewPatch(patch.Add(patch.Join("logs", key), newEntry(evt))), true
	case hooks.RunStreamed:
		key, ok := s.keys[evt.Run.ID]
		if !ok {
			return Patch{}, false
		}
		var ops []patch.Operation
		if evt.IsToken {
			ops = append(ops, patch.Add(patch.Join("logs", key, "streamed_output_str", "-"), evt.Token))
		}
		ops = append(ops, patch.Add(patch.Join("logs", key, "streamed_output", "-"), evt.Chunk))
		return NewPatch(ops...), true
	case hooks.RunEnded:
		key, ok := s.keys[evt.Run.ID]
		if !ok {
			return Patch{}, false
		}
		delete(s.keys, evt.Run.ID)
		ops := []patch.Operation{
			patch.Add(patch.Join("logs", key, "final_output"), evt.Output),
			patch.Add(patch.Join("logs", key, "end_time"), timestamp(evt.Timestamp)),
		}
		if evt.Err != nil {
			ops = append(ops, patch.Add(patch.Join("logs", key, "error"), evt.Err.Error()))
		}
		return NewPatch(ops...), true
	}
	return Patch{}, false
}

// newKey returns the log key of the next run named name: the name itself
// for the first run, then "name:2", "name:3", ...
func (s *Sink) newKey(name string) string {
	s.counter[name]++
	if n := s.counter[name]; n > 1 {
		return fmt.Sprintf("%s:%d", name, n)
	}
	return name
}

func rootPatch(evt hooks.Event) Patch {
	switch evt.Type {
	case hooks.RunStarted:
		return NewPatch(patch.Replace("", map[string]any{
			"id":              evt.Run.ID,
			"name":            evt.Run.Name,
			"type":            string(evt.Run.Kind),
			"streamed_output": []any{},
			"final_output":    nil,
			"logs":            map[string]any{},
		}))
	case hooks.RunStreamed:
		return NewPatch(patch.Add("/streamed_output/-", evt.Chunk))
	}
	ops := []patch.Operation{patch.Replace("/final_output", evt.Output)}
	if evt.Err != nil {
		ops = append(ops, patch.Add("/error", evt.Err.Error()))
	}
	return NewPatch(ops...)
}

func newEntry(evt hooks.Event) map[string]any {
	tags := evt.Run.Tags
	if tags == nil {
		tags = []string{}
	}
	metadata := evt.Run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := map[string]any{
		"id":                  evt.Run.ID,
		"name":                evt.Run.Name,
		"type":                string(evt.Run.Kind),
		"tags":                tags,
		"metadata":            metadata,
		"start_time":          timestamp(evt.Run.StartedAt),
		"streamed_output":     []any{},
		"streamed_output_str": []any{},
		"final_output":        nil,
		"end_time":            nil,
	}
	if evt.HasInput {
		entry["inputs"] = evt.Input
	}
	return entry
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
