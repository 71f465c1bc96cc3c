package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/runtrace/features/stream/pulse/clients/pulse"
	"goa.design/runtrace/runtime/remote"
	"goa.design/runtrace/runtime/schema"
	"goa.design/runtrace/runtime/stream"
)

// RuntimeStreams shares one Pulse client between the mirror sink given to a
// server and the sources replaying mirrored invocations.
type RuntimeStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RuntimeStreamsOptions configures NewRuntimeStreams.
type RuntimeStreamsOptions struct {
	// Client is used for publishing and replaying. Required.
	Client clientspulse.Client
	// Sink holds optional sink overrides. Its Client field is ignored.
	Sink Options
}

// NewRuntimeStreams constructs the mirror helpers.
func NewRuntimeStreams(opts RuntimeStreamsOptions) (*RuntimeStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RuntimeStreams{sink: sink, client: opts.Client}, nil
}

// Sink returns the mirror sink, suitable for server.WithMirror.
func (r *RuntimeStreams) Sink() stream.Sink {
	return r.sink
}

// Replay returns the event stream of the mirrored invocation rooted at
// rootID.
func (r *RuntimeStreams) Replay(ctx context.Context, rootID string, reviver *schema.Reviver) (*remote.EventStream, error) {
	src, err := NewSource(ctx, rootID, SourceOptions{Client: r.client})
	if err != nil {
		return nil, err
	}
	return remote.NewEventStream(ctx, src, reviver), nil
}

// Close releases the sink and therefore the Pulse client. Call it after
// every replay was closed.
func (r *RuntimeStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
