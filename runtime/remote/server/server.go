// Package server exposes a Runnable over HTTP with the routes consumed by
// the remote client: POST /invoke, /batch, /stream, /stream_log and
// /stream_events.
//
// Each request gets its own bus and emitter. The runnable executes under a
// root run whose events are turned into Server-Sent Events frames: output
// chunks for /stream, run log patches for /stream_log and run events for
// /stream_events. Streams start with a metadata frame carrying the root run
// id and finish with an end frame, or an error frame when the runnable
// fails.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/remote"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/runlog"
	"goa.design/runtrace/runtime/schema"
	"goa.design/runtrace/runtime/stream"
	"goa.design/runtrace/runtime/telemetry"
	"goa.design/runtrace/runtime/tracing"
)

type (
	// Runnable is the unit of work served. Run executes under the root run
	// scope: it may stream output chunks with scope.Stream and start nested
	// runs with scope.Child. Run must not end or fail the scope itself.
	Runnable interface {
		Name() string
		Run(ctx context.Context, input any, scope *tracing.Scope) (any, error)
	}

	// RunnableFunc adapts a function to a Runnable.
	RunnableFunc struct {
		// RunName is returned by Name.
		RunName string
		// Fn is called by Run.
		Fn func(ctx context.Context, input any, scope *tracing.Scope) (any, error)
	}

	// Server serves a Runnable.
	Server struct {
		runnable Runnable
		schema   *jsonschema.Schema
		mirrors  []stream.Sink
		reviver  *schema.Reviver
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		mux      *http.ServeMux
	}

	// Option configures the server.
	Option func(*Server) error

	request struct {
		Input        any             `json:"input"`
		Inputs       []any           `json:"inputs"`
		Config       json.RawMessage `json:"config"`
		Kwargs       map[string]any  `json:"kwargs"`
		IncludeNames []string        `json:"include_names"`
		IncludeTypes []string        `json:"include_types"`
		IncludeTags  []string        `json:"include_tags"`
		ExcludeNames []string        `json:"exclude_names"`
		ExcludeTypes []string        `json:"exclude_types"`
		ExcludeTags  []string        `json:"exclude_tags"`
		Version      string          `json:"version"`
	}

	// invocation is one execution of the runnable under a root run.
	invocation struct {
		bus     hooks.Bus
		emitter *tracing.Emitter
		rootID  string
		input   any
		cfg     remote.Config
	}
)

// Name implements Runnable.
func (f RunnableFunc) Name() string { return f.RunName }

// Run implements Runnable.
func (f RunnableFunc) Run(ctx context.Context, input any, scope *tracing.Scope) (any, error) {
	return f.Fn(ctx, input, scope)
}

// WithInputSchema validates request inputs against the given JSON Schema
// document. Invalid inputs are rejected with 422.
func WithInputSchema(schemaJSON []byte) Option {
	return func(s *Server) error {
		var doc any
		if err := json.Unmarshal(schemaJSON, &doc); err != nil {
			return fmt.Errorf("unmarshal input schema: %w", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("input.json", doc); err != nil {
			return fmt.Errorf("add input schema resource: %w", err)
		}
		sch, err := c.Compile("input.json")
		if err != nil {
			return fmt.Errorf("compile input schema: %w", err)
		}
		s.schema = sch
		return nil
	}
}

// WithMirror sends every run event of every request to sink as well. It can
// be given more than once. Sinks implementing stream.Finisher are also told
// the outcome of each invocation.
func WithMirror(sink stream.Sink) Option {
	return func(s *Server) error {
		if sink == nil {
			return errors.New("mirror sink is required")
		}
		s.mirrors = append(s.mirrors, sink)
		return nil
	}
}

// WithReviver sets the reviver applied to request inputs.
func WithReviver(r *schema.Reviver) Option {
	return func(s *Server) error {
		s.reviver = r
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) error {
		s.logger = l
		return nil
	}
}

// WithMetrics sets the metrics recorder passed to request emitters.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

// New returns a server of r.
func New(r Runnable, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, errors.New("runnable is required")
	}
	s := &Server{
		runnable: r,
		reviver:  schema.NewReviver(),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.mux.HandleFunc("POST /invoke", s.handleInvoke)
	s.mux.HandleFunc("POST /batch", s.handleBatch)
	s.mux.HandleFunc("POST /stream", s.handleStream)
	s.mux.HandleFunc("POST /stream_log", s.handleStreamLog)
	s.mux.HandleFunc("POST /stream_events", s.handleStreamEvents)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	var cfg remote.Config
	if err := decodeConfig(req.Config, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inv, err := s.newInvocation(req.Input, cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.execute(r.Context(), inv)
	if err != nil {
		s.logger.Error(r.Context(), "invoke failed", "run_id", inv.rootID, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"output": out, "metadata": map[string]any{"run_id": inv.rootID}})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	cfgs := make([]remote.Config, len(req.Inputs))
	if len(req.Config) > 0 && string(req.Config) != "null" {
		var list []remote.Config
		if err := json.Unmarshal(req.Config, &list); err != nil || (len(list) != 0 && len(list) != len(req.Inputs)) {
			http.Error(w, "config must be a list with one entry per input", http.StatusBadRequest)
			return
		}
		copy(cfgs, list)
	}
	outputs := make([]any, len(req.Inputs))
	runIDs := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		inv, err := s.newInvocation(in, cfgs[i])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := s.execute(r.Context(), inv)
		if err != nil {
			s.logger.Error(r.Context(), "batch item failed", "index", i, "run_id", inv.rootID, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		outputs[i], runIDs[i] = out, inv.rootID
	}
	writeJSON(w, map[string]any{"output": outputs, "metadata": map[string]any{"run_ids": runIDs}})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	var cfg remote.Config
	if err := decodeConfig(req.Config, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inv, err := s.newInvocation(req.Input, cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	chunks := stream.NewQueue[any]()
	var streamed bool
	_, _ = inv.bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		if !evt.Root {
			return nil
		}
		switch evt.Type {
		case hooks.RunStreamed:
			streamed = true
			return chunks.Push(evt.Chunk)
		case hooks.RunEnded:
			// Runnables that do not stream yield their output as one chunk.
			if !streamed && evt.Err == nil {
				return chunks.Push(evt.Output)
			}
		}
		return nil
	}))
	reader, _ := chunks.Reader()
	s.serveStream(w, r, inv, chunks.Close, func(ctx context.Context) (any, error) { return reader.Next(ctx) })
}

func (s *Server) handleStreamLog(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	var cfg remote.Config
	if err := decodeConfig(req.Config, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inv, err := s.newInvocation(req.Input, cfg, tracing.WithFilter(req.filter()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sink := runlog.NewSink(runlog.WithSinkMetrics(s.metrics))
	_, _ = inv.bus.Register(sink)
	reader, _ := sink.Patches()
	s.serveStream(w, r, inv, sink.Close, func(ctx context.Context) (any, error) { return reader.Next(ctx) })
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	version, err := tracing.ParseVersion(req.Version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var cfg remote.Config
	if err := decodeConfig(req.Config, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inv, err := s.newInvocation(req.Input, cfg, tracing.WithFilter(req.filter()), tracing.WithVersion(version))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sink := stream.NewChannelSink()
	sub, _ := stream.NewSubscriber(sink)
	_, _ = inv.bus.Register(sub)
	reader, _ := sink.Events()
	closeSink := func() { _ = sink.Close(context.Background()) }
	s.serveStream(w, r, inv, closeSink, func(ctx context.Context) (any, error) { return reader.Next(ctx) })
}

// serveStream runs the invocation in the background and writes the units
// produced by next as data frames until closeUnits ends them.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, inv *invocation, closeUnits func(), next func(context.Context) (any, error)) {
	ctx := r.Context()
	sw, ok := newFrameWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := sw.json(remote.FrameMetadata, map[string]any{"run_id": inv.rootID}); err != nil {
		return
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.execute(ctx, inv)
		closeUnits()
		done <- err
	}()
	for {
		unit, err := next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn(ctx, "stream aborted", "run_id", inv.rootID, "err", err)
			return
		}
		if err := sw.json(remote.FrameData, unit); err != nil {
			s.logger.Warn(ctx, "stream write failed", "run_id", inv.rootID, "err", err)
			return
		}
	}
	if err := <-done; err != nil {
		s.logger.Error(ctx, "stream run failed", "run_id", inv.rootID, "err", err)
		_ = sw.json(remote.FrameError, remote.RemoteError{StatusCode: http.StatusInternalServerError, Message: err.Error()})
		return
	}
	_ = sw.frame(remote.Frame{Event: remote.FrameEnd})
}

// decode reads the request body and validates its inputs.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (*request, bool) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if s.schema != nil {
		inputs := req.Inputs
		if inputs == nil {
			inputs = []any{req.Input}
		}
		for _, in := range inputs {
			if err := s.schema.Validate(in); err != nil {
				http.Error(w, "invalid input: "+err.Error(), http.StatusUnprocessableEntity)
				return nil, false
			}
		}
	}
	return &req, true
}

func (s *Server) newInvocation(input any, cfg remote.Config, opts ...tracing.Option) (*invocation, error) {
	inv := &invocation{
		bus:    hooks.NewBus(),
		rootID: uuid.NewString(),
		input:  s.reviver.Revive(input),
		cfg:    cfg,
	}
	for _, mirror := range s.mirrors {
		sub, err := stream.NewSubscriber(mirror)
		if err != nil {
			return nil, err
		}
		if _, err := inv.bus.Register(sub); err != nil {
			return nil, err
		}
	}
	opts = append([]tracing.Option{
		tracing.WithRootID(inv.rootID),
		tracing.WithLogger(s.logger),
		tracing.WithMetrics(s.metrics),
	}, opts...)
	e, err := tracing.NewEmitter(inv.bus, opts...)
	if err != nil {
		return nil, err
	}
	inv.emitter = e
	return inv, nil
}

// execute runs the runnable under the root run of inv.
func (s *Server) execute(ctx context.Context, inv *invocation) (any, error) {
	name := inv.cfg.RunName
	if name == "" {
		name = s.runnable.Name()
	}
	scope, err := inv.emitter.Start(ctx, tracing.StartInfo{
		Kind:      run.KindChain,
		RunID:     inv.rootID,
		Name:      name,
		Tags:      inv.cfg.Tags,
		Metadata:  inv.cfg.Metadata,
		Inputs:    inv.input,
		HasInputs: true,
	})
	if err != nil {
		return nil, err
	}
	out, err := s.runnable.Run(ctx, inv.input, scope)
	if err != nil {
		if ferr := scope.Fail(ctx, err); ferr != nil {
			s.logger.Warn(ctx, "root run failure not delivered", "run_id", inv.rootID, "err", ferr)
		}
		s.finish(ctx, inv.rootID, err)
		return nil, err
	}
	if err := scope.End(ctx, out); err != nil {
		s.finish(ctx, inv.rootID, err)
		return nil, err
	}
	s.finish(ctx, inv.rootID, nil)
	return out, nil
}

// finish reports the invocation outcome to the mirrors that record it.
func (s *Server) finish(ctx context.Context, rootID string, cause error) {
	for _, mirror := range s.mirrors {
		f, ok := mirror.(stream.Finisher)
		if !ok {
			continue
		}
		if err := f.Finish(ctx, rootID, cause); err != nil {
			s.logger.Warn(ctx, "mirror finish failed", "run_id", rootID, "err", err)
		}
	}
}

func (r *request) filter() tracing.Filter {
	return tracing.Filter{
		IncludeNames: r.IncludeNames,
		IncludeTypes: r.IncludeTypes,
		IncludeTags:  r.IncludeTags,
		ExcludeNames: r.ExcludeNames,
		ExcludeTypes: r.ExcludeTypes,
		ExcludeTags:  r.ExcludeTags,
	}
}

func decodeConfig(raw json.RawMessage, cfg *remote.Config) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// frameWriter writes SSE frames and flushes after each one.
type frameWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func newFrameWriter(w http.ResponseWriter) (*frameWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &frameWriter{w: w, flusher: flusher}, true
}

func (fw *frameWriter) json(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fw.frame(remote.Frame{Event: event, Data: data})
}

func (fw *frameWriter) frame(f remote.Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := remote.WriteFrame(fw.w, f); err != nil {
		return err
	}
	fw.flusher.Flush()
	return nil
}
