// Package pulse mirrors run events to goa.design/pulse streams and replays
// them. A Sink publishes every event of an invocation to the stream of its
// root run; a Source reads such a stream back as remote frames so that
// remote.NewEventStream can consume a mirrored run exactly like a live one.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/runtrace/features/stream/pulse/clients/pulse"
	"goa.design/runtrace/runtime/remote"
	"goa.design/runtrace/runtime/stream"
)

const (
	// envelopeEnd marks the successful end of a mirrored invocation.
	envelopeEnd = "end"
	// envelopeError marks the failure of a mirrored invocation.
	envelopeError = "error"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the envelopes. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "run/<root id>" where the root is the first parent id, or the
		// run itself for events without ancestry.
		StreamID func(stream.Event) (string, error)
		// OnPublished is called after each successful publish. An error
		// returned by the callback is returned by Send.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes a published envelope.
	PublishedEvent struct {
		// Event is the published event. It is zero for terminal envelopes.
		Event stream.Event
		// StreamID is the target stream.
		StreamID string
		// EntryID is the id Redis assigned to the entry.
		EntryID string
	}

	// Sink publishes run events to Pulse streams. It implements
	// stream.Sink and stream.Finisher and is safe for concurrent use.
	Sink struct {
		client      pulse.Client
		streamID    func(stream.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
		now         func() time.Time
	}

	// envelope is the Pulse entry payload.
	envelope struct {
		// Type is the event name, or "end"/"error" for terminal entries.
		Type string `json:"type"`
		// RunID is the run the entry belongs to.
		RunID string `json:"run_id"`
		// Timestamp is the publish time (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload is the wire event, or the remote error of a failed
		// invocation.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:      opts.Client,
		streamID:    RootStreamID,
		onPublished: opts.OnPublished,
		now:         time.Now,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	return s, nil
}

// RootStreamID is the default stream naming: "run/<root id>".
func RootStreamID(event stream.Event) (string, error) {
	if len(event.ParentIDs) > 0 {
		return StreamName(event.ParentIDs[0]), nil
	}
	if event.RunID == "" {
		return "", errors.New("stream event missing run id")
	}
	return StreamName(event.RunID), nil
}

// StreamName returns the stream holding the events of the invocation rooted
// at rootID.
func StreamName(rootID string) string {
	return fmt.Sprintf("run/%s", rootID)
}

// Send publishes event to the stream of its root run.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Event, err)
	}
	return s.publish(ctx, streamID, event, envelope{Type: event.Event, RunID: event.RunID, Payload: payload})
}

// Finish appends the terminal entry of the invocation rooted at rootID: an
// error entry carrying the remote error when cause is not nil, an end entry
// otherwise.
func (s *Sink) Finish(ctx context.Context, rootID string, cause error) error {
	env := envelope{Type: envelopeEnd, RunID: rootID}
	if cause != nil {
		payload, err := json.Marshal(remote.RemoteError{StatusCode: 500, Message: cause.Error()})
		if err != nil {
			return err
		}
		env.Type, env.Payload = envelopeError, payload
	}
	return s.publish(ctx, StreamName(rootID), stream.Event{}, env)
}

// Close releases the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Sink) publish(ctx context.Context, streamID string, event stream.Event, env envelope) error {
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env.Timestamp = s.now().UTC()
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	id, err := handle.Add(ctx, env.Type, body)
	if err != nil {
		return err
	}
	if s.onPublished == nil {
		return nil
	}
	return s.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: id})
}
