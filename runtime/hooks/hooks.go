// Package hooks implements the fan-out bus that carries run lifecycle events
// from the tracing emitter to its subscribers.
//
// The bus decouples the emitter (which validates callbacks and consults the
// run registry) from consumers: the event channel sink, the run log patch
// sink, transport sinks and span recorders.
//
// The primary types are:
//   - Bus: the event bus interface for publishing and subscribing
//   - Event: the event payload carrying the phase, a run snapshot and data
//   - Subscriber: the interface implementations must satisfy to receive events
//   - Subscription: a handle for unregistering from the bus
//
// Typical usage pattern:
//
//	bus := hooks.NewBus()
//
//	sub := hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    if evt.Type == hooks.RunStarted {
//	        fmt.Printf("run %s started\n", evt.Run.ID)
//	    }
//	    return nil
//	})
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
package hooks

import "context"

type (
	// SubscriberFunc is an adapter that allows ordinary functions to act as
	// Subscribers.
	//
	// Example:
	//
	//	sub := hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
	//	    log.Printf("received %s for run %s", evt.Name(), evt.Run.ID)
	//	    return nil
	//	})
	//	subscription, _ := bus.Register(sub)
	SubscriberFunc func(ctx context.Context, event Event) error
)

// EventType enumerates the lifecycle phases broadcast on the bus. The value
// is the "<phase>" segment of the emitted event name.
type EventType string

const (
	// RunStarted fires once when a run is registered.
	RunStarted EventType = "start"

	// RunStreamed fires for every chunk or token streamed by a run, after
	// RunStarted and before RunEnded.
	RunStreamed EventType = "stream"

	// RunEnded fires once when a run is retired, whether it completed or
	// failed. Failed runs carry Err.
	RunEnded EventType = "end"
)

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}
