// Package tracing converts run lifecycle callbacks into the ordered event
// stream observed by in-process consumers and transports.
//
// The Emitter owns a run.Registry: OnStart registers a run, OnStream and
// OnToken append chunks, OnEnd and OnError retire it. Every accepted callback
// publishes one hooks.Event on the bus, synchronously, so per run the bus
// observes start, then every stream event, then the terminal end event.
// Callbacks for unknown run ids are contract violations and fail with
// *run.UnknownRunError.
//
// Events are filtered before publication. The root run, when configured with
// WithRootID, bypasses the filter and is published flagged hooks.Event.Root:
// event sinks drop it while log sinks use it as the root document.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/telemetry"
)

type (
	// Emitter publishes run lifecycle events on a hooks.Bus. Callers must
	// serialize the callbacks of a given run id; distinct runs may be driven
	// concurrently.
	Emitter struct {
		registry *run.Registry
		bus      hooks.Bus
		filter   Filter
		rootID   string
		version  Version
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Option configures an Emitter.
	Option func(*Emitter)

	// Version is the event schema version.
	Version string

	// StartInfo describes a run being started.
	StartInfo struct {
		// Kind is the run category.
		Kind run.Kind
		// RunID uniquely identifies the run. Required by OnStart; Start
		// generates one when empty.
		RunID string
		// ParentID identifies the parent run, if any.
		ParentID string
		// Name is the explicit run name. When empty the name is resolved
		// from Serialized (see ResolveName).
		Name string
		// Serialized is the descriptor of the component executing the run.
		Serialized map[string]any
		// Tags are the run tags.
		Tags []string
		// Metadata carries caller-provided key/value pairs.
		Metadata map[string]any
		// Inputs holds the run inputs. Only meaningful when HasInputs is set.
		Inputs any
		// HasInputs records whether inputs were supplied.
		HasInputs bool
	}
)

const (
	// V1 events carry no ancestry.
	V1 Version = "v1"
	// V2 events carry parent_ids.
	V2 Version = "v2"
)

// ErrUnsupportedVersion is returned when parsing an unknown schema version.
var ErrUnsupportedVersion = errors.New("tracing: unsupported event schema version")

// ParseVersion validates s as a schema version. The empty string selects V2.
func ParseVersion(s string) (Version, error) {
	switch Version(s) {
	case "":
		return V2, nil
	case V1, V2:
		return Version(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
}

// WithFilter sets the inclusion filter. The zero Filter admits every run.
func WithFilter(f Filter) Option {
	return func(e *Emitter) { e.filter = f }
}

// WithRootID designates the root run. Its events bypass the filter and are
// published flagged as root.
func WithRootID(id string) Option {
	return func(e *Emitter) { e.rootID = id }
}

// WithVersion sets the event schema version. Defaults to V2.
func WithVersion(v Version) Option {
	return func(e *Emitter) { e.version = v }
}

// WithLogger sets the logger used to report callback failures.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// WithRegistry sets the run registry. Registries must not be shared between
// emitters.
func WithRegistry(r *run.Registry) Option {
	return func(e *Emitter) { e.registry = r }
}

// NewEmitter returns an emitter publishing on bus.
func NewEmitter(bus hooks.Bus, opts ...Option) (*Emitter, error) {
	if bus == nil {
		return nil, errors.New("tracing: bus is required")
	}
	e := &Emitter{
		bus:     bus,
		version: V2,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = run.NewRegistry()
	}
	if _, err := ParseVersion(string(e.version)); err != nil {
		return nil, err
	}
	return e, nil
}

// RootID returns the root run id, if any.
func (e *Emitter) RootID() string { return e.rootID }

// Version returns the event schema version.
func (e *Emitter) Version() Version { return e.version }

// Lookup returns a copy of the active run with the given id.
func (e *Emitter) Lookup(id string) (run.Run, error) { return e.registry.Lookup(id) }

// OnStart registers the run and publishes its start event. Inputs are
// reported only when non-trivial.
func (e *Emitter) OnStart(ctx context.Context, info StartInfo) error {
	r := run.Run{
		ID:        info.RunID,
		ParentID:  info.ParentID,
		Kind:      info.Kind,
		Name:      ResolveName(info.Name, info.Serialized),
		Tags:      info.Tags,
		Metadata:  info.Metadata,
		Inputs:    info.Inputs,
		HasInputs: info.HasInputs,
		StartedAt: e.now(),
	}
	if err := e.registry.Start(r); err != nil {
		e.logger.Error(ctx, "run start rejected", "run_id", info.RunID, "kind", string(info.Kind), "err", err)
		return err
	}
	evt := hooks.Event{
		Type:      hooks.RunStarted,
		Run:       r.Clone(),
		ParentIDs: e.parentIDs(r.ID),
	}
	evt.Input, evt.HasInput = reportedInput(r)
	return e.publish(ctx, evt)
}

// OnStream records chunk as the next streamed output of the run and
// publishes a stream event.
func (e *Emitter) OnStream(ctx context.Context, runID string, chunk any) error {
	return e.stream(ctx, runID, chunk, "", false)
}

// OnToken publishes a text token. The token is wrapped in the chunk shape of
// the run kind (see TokenChunk).
func (e *Emitter) OnToken(ctx context.Context, runID, token string) error {
	r, err := e.registry.Lookup(runID)
	if err != nil {
		e.logger.Error(ctx, "token for unknown run", "run_id", runID, "err", err)
		return err
	}
	return e.stream(ctx, runID, TokenChunk(r.Kind, token), token, true)
}

// OnEnd retires the run and publishes its end event carrying output.
func (e *Emitter) OnEnd(ctx context.Context, runID string, output any) error {
	return e.end(ctx, runID, output, nil)
}

// OnError retires the run and publishes its end event carrying the error.
func (e *Emitter) OnError(ctx context.Context, runID string, cause error) error {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	return e.end(ctx, runID, nil, cause)
}

func (e *Emitter) stream(ctx context.Context, runID string, chunk any, token string, isToken bool) error {
	r, err := e.registry.Append(runID, chunk)
	if err != nil {
		e.logger.Error(ctx, "stream for unknown run", "run_id", runID, "err", err)
		return err
	}
	return e.publish(ctx, hooks.Event{
		Type:      hooks.RunStreamed,
		Run:       r,
		ParentIDs: e.parentIDs(runID),
		Chunk:     chunk,
		Token:     token,
		IsToken:   isToken,
	})
}

func (e *Emitter) end(ctx context.Context, runID string, output any, cause error) error {
	// Ancestors must be read while the run is still active.
	parents := e.parentIDs(runID)
	r, err := e.registry.Retire(runID, output)
	if err != nil {
		e.logger.Error(ctx, "end for unknown run", "run_id", runID, "err", err)
		return err
	}
	evt := hooks.Event{
		Type:      hooks.RunEnded,
		Run:       r,
		ParentIDs: parents,
		Output:    output,
		Err:       cause,
	}
	evt.Input, evt.HasInput = reportedInput(r)
	return e.publish(ctx, evt)
}

func (e *Emitter) publish(ctx context.Context, evt hooks.Event) error {
	evt.Root = e.rootID != "" && evt.Run.ID == e.rootID
	if !evt.Root && !e.filter.Includes(evt.Run) {
		return nil
	}
	evt.Timestamp = e.now()
	name := evt.Name()
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.logger.Error(ctx, "event delivery failed", "event", name, "run_id", evt.Run.ID, "err", err)
		return fmt.Errorf("tracing: deliver %s for run %q: %w", name, evt.Run.ID, err)
	}
	e.metrics.IncCounter(telemetry.MetricEventsEmitted, 1, "event", name)
	return nil
}

func (e *Emitter) parentIDs(runID string) []string {
	if e.version != V2 {
		return nil
	}
	ids := e.registry.Ancestors(runID)
	if ids == nil {
		ids = []string{}
	}
	return ids
}

func reportedInput(r run.Run) (any, bool) {
	if !r.HasInputs || IsTrivialInput(r.Inputs) {
		return nil, false
	}
	return r.Inputs, true
}
