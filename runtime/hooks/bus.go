package hooks

import (
	"context"
	"errors"
	"slices"
	"sync"
)

type (
	// Bus publishes lifecycle events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error. Because delivery is
	// synchronous, the order in which events are published for a run is the
	// order every subscriber observes.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		// Subscribers are invoked in registration order, and iteration stops at
		// the first error returned by any subscriber.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription that
		// can be closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events by implementing HandleEvent.
	//
	// HandleEvent should return an error only if event processing fails in a
	// way that must reach the producer (e.g. a closed transport). The Bus
	// stops iterating at the first error and the emitter returns it to the
	// caller of the lifecycle callback.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates from
		// the Bus.Publish call.
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription represents an active registration on a Bus. Calling Close
	// removes the subscriber from the bus. Close is idempotent.
	Subscription interface {
		// Close removes the subscriber from the bus. After Close returns, the
		// subscriber will not receive new events, though in-flight events may
		// still be delivered if Close is called during a Publish operation.
		//
		// Close always returns nil.
		Close() error
	}

	// bus is the concrete implementation of the Bus interface.
	bus struct {
		// mu protects concurrent access to subscribers.
		mu sync.RWMutex
		// subscribers lists registrations in registration order.
		subscribers []*subscription
	}

	// subscription is an active registration on the bus. once ensures Close
	// is idempotent.
	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs a new in-memory event bus. The returned bus is
// thread-safe and ready for immediate use.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to every currently registered subscriber in
// registration order.
//
// Delivery semantics:
//   - Subscribers are invoked synchronously in the caller's goroutine
//   - Iteration stops at the first error returned by any subscriber
//   - The snapshot of subscribers is captured before iteration begins, so
//     registrations/unregistrations during Publish do not affect the current delivery
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := slices.Clone(b.subscribers)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus and returns a Subscription handle
// that can be closed to unregister.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		s.bus.subscribers = slices.DeleteFunc(s.bus.subscribers, func(o *subscription) bool { return o == s })
		s.bus.mu.Unlock()
	})
	return nil
}
