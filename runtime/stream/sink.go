package stream

import (
	"context"
	"errors"

	"goa.design/runtrace/runtime/hooks"
)

type (
	// Sink delivers stream events to observers over a transport (in-process
	// queue, SSE, Pulse). Implementations must be thread-safe.
	Sink interface {
		// Send publishes an event. Send returns an error if delivery fails;
		// the error propagates through the hooks bus back to the emitter so
		// that streaming failures surface immediately.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent.
		Close(ctx context.Context) error
	}

	// Finisher is implemented by sinks that record the outcome of a whole
	// invocation. Servers call Finish once the root run with id rootID
	// ended; cause is nil on success.
	Finisher interface {
		Finish(ctx context.Context, rootID string, cause error) error
	}

	// ChannelSink is the in-process Sink: events are pushed onto an unbounded
	// Queue and consumed once through Events.
	ChannelSink struct {
		q *Queue[Event]
	}

	// Subscriber receives hook events and forwards them to a Sink. Events
	// of the root run are not forwarded: the root run represents the whole
	// invocation and is never itself reported as an event target.
	Subscriber struct {
		sink Sink
	}
)

// NewChannelSink returns an open channel sink.
func NewChannelSink() *ChannelSink {
	return &ChannelSink{q: NewQueue[Event]()}
}

// Send queues event.
func (s *ChannelSink) Send(_ context.Context, event Event) error {
	return s.q.Push(event)
}

// Close ends the event sequence.
func (s *ChannelSink) Close(context.Context) error {
	s.q.Close()
	return nil
}

// Events returns the reader of the sink. It can be called once.
func (s *ChannelSink) Events() (*Reader[Event], error) {
	return s.q.Reader()
}

// NewSubscriber constructs a subscriber that forwards hook events to sink.
//
// Example:
//
//	sink := stream.NewChannelSink()
//	sub, err := stream.NewSubscriber(sink)
//	if err != nil {
//	    return err
//	}
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
func NewSubscriber(sink Sink) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	return &Subscriber{sink: sink}, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	if event.Root {
		return nil
	}
	return s.sink.Send(ctx, FromHook(event))
}
