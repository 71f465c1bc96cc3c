// Package remote implements the client of a remote runnable: unary
// invocation and batches, and streaming of output chunks, run log patches
// and run events over Server-Sent Events.
//
// Every response value is revived into domain values (messages, documents,
// generations, ...) with a schema.Reviver. Streams are pulled with Recv,
// which returns io.EOF after the end frame. A stream that ends without its
// end frame fails with *StreamError, so callers tell a clean end from a
// truncated one by the error alone.
//
// When Config.Callbacks is set, each call is reported as a chain run on that
// emitter: started before the request, ended with the final output, or
// failed before the error is returned to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"goa.design/runtrace/runtime/retry"
	"goa.design/runtrace/runtime/schema"
	"goa.design/runtrace/runtime/telemetry"
	"goa.design/runtrace/runtime/tracing"
)

type (
	// Client calls a remote runnable.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
		timeout  time.Duration
		retry    *retry.Config
		limiter  *rate.Limiter
		reviver  *schema.Reviver
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}

	// Option configures the client.
	Option func(*Client)

	// Config is the per call configuration sent to the server. Callbacks
	// and ParentRunID never leave the process.
	Config struct {
		// Tags are attached to the runs of the call.
		Tags []string `json:"tags,omitempty"`
		// Metadata is attached to the runs of the call.
		Metadata map[string]any `json:"metadata,omitempty"`
		// RunName names the root run of the call.
		RunName string `json:"run_name,omitempty"`
		// MaxConcurrency bounds parallel work on the server.
		MaxConcurrency int `json:"max_concurrency,omitempty"`
		// RecursionLimit bounds nesting on the server.
		RecursionLimit int `json:"recursion_limit,omitempty"`
		// Configurable carries runnable specific settings.
		Configurable map[string]any `json:"configurable,omitempty"`

		// Callbacks receives the lifecycle of the call as a chain run.
		Callbacks *tracing.Emitter `json:"-"`
		// ParentRunID nests the call run under an existing run of
		// Callbacks.
		ParentRunID string `json:"-"`
	}

	// BatchOptions configures Batch.
	BatchOptions struct {
		// ReturnExceptions requests per item failures instead of failing the
		// whole batch. It is not supported.
		ReturnExceptions bool
	}

	// LogOptions configures StreamLog.
	LogOptions struct {
		// Filter selects the runs reported in the log.
		Filter tracing.Filter
	}

	// EventsOptions configures StreamEvents.
	EventsOptions struct {
		// Version is the event schema version. Defaults to v2.
		Version tracing.Version
		// Encoding requests an alternate encoding of the event stream. Only
		// the default (empty) encoding is supported.
		Encoding string
		// Filter selects the reported runs.
		Filter tracing.Filter
	}

	unaryResponse struct {
		Output any `json:"output"`
	}
)

const (
	defaultTimeout = 30 * time.Second
	remoteRunName  = "RemoteRunnable"
)

// WithHTTPClient overrides the underlying *http.Client. Its Timeout, if any,
// also bounds streams.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) { cl.headers.Add(name, value) }
}

// WithTimeout bounds unary requests (Invoke, Batch), retries included.
// Defaults to 30s; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithRetry retries unary requests failing with retryable errors. Stream
// opens are never retried.
func WithRetry(cfg retry.Config) Option {
	return func(cl *Client) { cl.retry = &cfg }
}

// WithRateLimiter waits on l before each request.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// WithReviver sets the reviver applied to response values.
func WithReviver(r *schema.Reviver) Option {
	return func(cl *Client) { cl.reviver = r }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithTracer sets the tracer used to record one client span per request.
func WithTracer(t telemetry.Tracer) Option {
	return func(cl *Client) { cl.tracer = t }
}

// New returns a client of the runnable served at endpoint (for example
// "http://localhost:8000/chain").
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote: endpoint is required")
	}
	cl := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		headers:  make(http.Header),
		timeout:  defaultTimeout,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{}
	}
	if cl.reviver == nil {
		cl.reviver = schema.NewReviver()
	}
	return cl, nil
}

// Invoke runs the runnable on input and returns its revived output.
func (c *Client) Invoke(ctx context.Context, input any, cfg Config) (any, error) {
	obs, err := observe(ctx, input, cfg)
	if err != nil {
		return nil, err
	}
	var resp unaryResponse
	if err := c.unary(ctx, "/invoke", newBody(input, cfg), &resp); err != nil {
		return nil, obs.fail(ctx, err)
	}
	out := c.reviver.Revive(resp.Output)
	if err := obs.end(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Batch runs the runnable on each input. cfgs holds either no config, one
// config shared by every input or one config per input. Any failure fails
// the whole batch.
func (c *Client) Batch(ctx context.Context, inputs []any, cfgs []Config, opts BatchOptions) ([]any, error) {
	if opts.ReturnExceptions {
		return nil, ErrReturnExceptions
	}
	if len(inputs) == 0 {
		return []any{}, nil
	}
	configs, err := expandConfigs(cfgs, len(inputs))
	if err != nil {
		return nil, err
	}
	observers := make([]*observer, 0, len(inputs))
	failAll := func(err error) error {
		for _, o := range observers {
			_ = o.fail(ctx, err)
		}
		return err
	}
	serialized := make([]any, len(inputs))
	for i, in := range inputs {
		obs, err := observe(ctx, in, configs[i])
		if err != nil {
			return nil, failAll(err)
		}
		observers = append(observers, obs)
		serialized[i] = schema.Serialize(in)
	}
	body := map[string]any{"inputs": serialized, "config": configs, "kwargs": map[string]any{}}
	var resp struct {
		Output []any `json:"output"`
	}
	if err := c.unary(ctx, "/batch", body, &resp); err != nil {
		return nil, failAll(err)
	}
	if len(resp.Output) != len(inputs) {
		return nil, failAll(fmt.Errorf("remote: batch returned %d outputs for %d inputs", len(resp.Output), len(inputs)))
	}
	outputs := make([]any, len(resp.Output))
	for i, o := range resp.Output {
		outputs[i] = c.reviver.Revive(o)
		if err := observers[i].end(ctx, outputs[i]); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// Stream runs the runnable on input and streams its output chunks.
func (c *Client) Stream(ctx context.Context, input any, cfg Config) (*OutputStream, error) {
	obs, err := observe(ctx, input, cfg)
	if err != nil {
		return nil, err
	}
	f, err := c.openStream(ctx, "/stream", newBody(input, cfg))
	if err != nil {
		return nil, obs.fail(ctx, err)
	}
	s := newOutputStream(f, c.reviver)
	f.onFinish(func(err error) error {
		if err != nil {
			return obs.fail(ctx, err)
		}
		out, ok := s.Final()
		if !ok {
			out = map[string]any{}
		}
		return obs.end(ctx, out)
	})
	return s, nil
}

// StreamLog runs the runnable on input and streams run log patches.
func (c *Client) StreamLog(ctx context.Context, input any, cfg Config, opts LogOptions) (*LogStream, error) {
	obs, err := observe(ctx, input, cfg)
	if err != nil {
		return nil, err
	}
	body := newBody(input, cfg)
	maps.Copy(body, filterFields(opts.Filter))
	f, err := c.openStream(ctx, "/stream_log", body)
	if err != nil {
		return nil, obs.fail(ctx, err)
	}
	s := newLogStream(f, c.reviver)
	f.onFinish(func(err error) error {
		if err != nil {
			return obs.fail(ctx, err)
		}
		return obs.end(ctx, s.Log().FinalOutput())
	})
	return s, nil
}

// StreamEvents runs the runnable on input and streams run events. An
// unknown version or a non-default encoding fails before any request.
func (c *Client) StreamEvents(ctx context.Context, input any, cfg Config, opts EventsOptions) (*EventStream, error) {
	version, err := tracing.ParseVersion(string(opts.Version))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, opts.Version)
	}
	if opts.Encoding != "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, opts.Encoding)
	}
	obs, err := observe(ctx, input, cfg)
	if err != nil {
		return nil, err
	}
	body := newBody(input, cfg)
	body["version"] = string(version)
	maps.Copy(body, filterFields(opts.Filter))
	f, err := c.openStream(ctx, "/stream_events", body)
	if err != nil {
		return nil, obs.fail(ctx, err)
	}
	s := newEventStream(f, c.reviver)
	f.onFinish(func(err error) error {
		if err != nil {
			return obs.fail(ctx, err)
		}
		return obs.end(ctx, s.Events())
	})
	return s, nil
}

// unary posts body and decodes the JSON response into out.
func (c *Client) unary(ctx context.Context, path string, body any, out any) error {
	ctx, span := c.tracer.Start(ctx, "runtrace.remote"+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	call := func(ctx context.Context) error {
		resp, err := c.post(ctx, path, body, "application/json")
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: decode %s response: %w", path, err)
		}
		return nil
	}
	var err error
	if c.retry != nil {
		cfg := *c.retry
		if cfg.OnRetry == nil {
			cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
				c.logger.Warn(ctx, "retrying remote request", "endpoint", path, "attempt", attempt, "wait", wait.String(), "err", err)
			}
		}
		err = retry.Do(ctx, cfg, call)
	} else {
		err = call(ctx)
	}
	c.record(ctx, path, start, err, span)
	return err
}

// openStream posts body and returns the frames of the event stream
// response.
func (c *Client) openStream(ctx context.Context, path string, body any) (*frames, error) {
	ctx, span := c.tracer.Start(ctx, "runtrace.remote"+path, trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	resp, err := c.post(ctx, path, body, "text/event-stream")
	if err == nil {
		if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
			raw, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			err = fmt.Errorf("remote: %s: unexpected content type %q: %s", path, ct, string(raw))
		}
	}
	if err != nil {
		c.record(ctx, path, start, err, span)
		span.End()
		return nil, err
	}
	f := newFrames(ctx, NewSSESource(resp.Body))
	f.onFinish(func(err error) error {
		c.record(ctx, path, start, err, span)
		span.End()
		return nil
	})
	return f, nil
}

// post sends a JSON request. Non-success responses are consumed and
// reported as *OpenError.
func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("remote: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	injectTraceHeaders(ctx, req.Header)
	resp, err := c.http.Do(req) //nolint:gosec // endpoint is provided by the client owner
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &OpenError{Endpoint: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

func (c *Client) record(ctx context.Context, path string, start time.Time, err error, span telemetry.Span) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error(ctx, "remote request failed", "endpoint", path, "err", err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	c.metrics.IncCounter(telemetry.MetricRemoteRequests, 1, "endpoint", path, "outcome", outcome)
	c.metrics.RecordTimer(telemetry.MetricRemoteDuration, time.Since(start), "endpoint", path)
}

func injectTraceHeaders(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

func newBody(input any, cfg Config) map[string]any {
	return map[string]any{
		"input":  schema.Serialize(input),
		"config": cfg,
		"kwargs": map[string]any{},
	}
}

// filterFields returns the configured filter lists. A configured empty list
// is sent as [] so that it keeps its meaning on the server.
func filterFields(f tracing.Filter) map[string]any {
	out := make(map[string]any)
	set := func(key string, v []string) {
		if v != nil {
			out[key] = v
		}
	}
	set("include_names", f.IncludeNames)
	set("include_types", f.IncludeTypes)
	set("include_tags", f.IncludeTags)
	set("exclude_names", f.ExcludeNames)
	set("exclude_types", f.ExcludeTypes)
	set("exclude_tags", f.ExcludeTags)
	return out
}

func expandConfigs(cfgs []Config, n int) ([]Config, error) {
	out := make([]Config, n)
	switch len(cfgs) {
	case 0:
	case 1:
		for i := range out {
			out[i] = cfgs[0]
		}
	case n:
		copy(out, cfgs)
	default:
		return nil, fmt.Errorf("remote: %d configs for %d inputs", len(cfgs), n)
	}
	return out, nil
}
