package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"goa.design/pulse/streaming"
	"goa.design/pulse/streaming/options"

	clientspulse "goa.design/runtrace/features/stream/pulse/clients/pulse"
	"goa.design/runtrace/runtime/remote"
)

const defaultSinkName = "runtrace_replay"

type (
	// SourceOptions configures a replay source.
	SourceOptions struct {
		// Client reads the run stream. Required.
		Client clientspulse.Client
		// SinkName names the Pulse consumer group. Defaults to
		// "runtrace_replay".
		SinkName string
		// StreamID overrides the stream read. Defaults to
		// StreamName(rootID).
		StreamID string
	}

	// Source replays a mirrored invocation as remote frames: a metadata
	// frame announcing the root run id, one data frame per event, then the
	// end or error frame published by Sink.Finish. It implements
	// remote.FrameSource.
	Source struct {
		rootID    string
		sink      clientspulse.Sink
		entries   <-chan *streaming.Event
		announced bool
		closed    bool
	}
)

// NewSource opens a consumer on the stream of the invocation rooted at
// rootID. Reading starts at the oldest entry so that events published before
// the source was opened are replayed.
func NewSource(ctx context.Context, rootID string, opts SourceOptions) (*Source, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if rootID == "" {
		return nil, errors.New("root run id is required")
	}
	name := opts.SinkName
	if name == "" {
		name = defaultSinkName
	}
	streamID := opts.StreamID
	if streamID == "" {
		streamID = StreamName(rootID)
	}
	str, err := opts.Client.Stream(streamID)
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, name, options.WithSinkStartAtOldest())
	if err != nil {
		return nil, err
	}
	return &Source{rootID: rootID, sink: sink, entries: sink.Subscribe()}, nil
}

// Next implements remote.FrameSource. It returns io.EOF when the consumer
// stops before a terminal entry was read.
func (s *Source) Next(ctx context.Context) (remote.Frame, error) {
	if s.closed {
		return remote.Frame{}, io.EOF
	}
	if !s.announced {
		s.announced = true
		meta, err := json.Marshal(map[string]string{"run_id": s.rootID})
		if err != nil {
			return remote.Frame{}, err
		}
		return remote.Frame{Event: remote.FrameMetadata, Data: meta}, nil
	}
	select {
	case <-ctx.Done():
		return remote.Frame{}, ctx.Err()
	case entry, ok := <-s.entries:
		if !ok {
			return remote.Frame{}, io.EOF
		}
		var env envelope
		if err := json.Unmarshal(entry.Payload, &env); err != nil {
			return remote.Frame{}, fmt.Errorf("pulse decode entry %s: %w", entry.ID, err)
		}
		if err := s.sink.Ack(ctx, entry); err != nil {
			return remote.Frame{}, fmt.Errorf("pulse ack: %w", err)
		}
		switch env.Type {
		case envelopeEnd:
			return remote.Frame{Event: remote.FrameEnd}, nil
		case envelopeError:
			return remote.Frame{Event: remote.FrameError, Data: env.Payload}, nil
		default:
			return remote.Frame{Event: remote.FrameData, Data: env.Payload}, nil
		}
	}
}

// Close stops the consumer.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.sink.Close(context.Background())
	return nil
}
