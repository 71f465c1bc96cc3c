package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/runtrace/runtime/run"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, Event{Type: RunStarted, Run: run.Run{ID: "r1", Kind: run.KindLLM}}))
	require.NoError(t, bus.Publish(ctx, Event{Type: RunEnded, Run: run.Run{ID: "r1", Kind: run.KindLLM}}))
	require.Equal(t, 2, count)
}

func TestBusRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := range 5 {
		_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
			order = append(order, i)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(context.Background(), Event{Type: RunStarted}))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	called := false
	_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		called = true
		return nil
	}))
	require.NoError(t, err)
	require.ErrorIs(t, bus.Publish(context.Background(), Event{Type: RunStarted}), boom)
	require.False(t, called)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, Event{Type: RunStarted}))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	require.NoError(t, bus.Publish(ctx, Event{Type: RunEnded}))
	require.Equal(t, 1, count)
}

func TestEventName(t *testing.T) {
	evt := Event{Type: RunStreamed, Run: run.Run{Kind: run.KindChatModel}}
	require.Equal(t, "on_chat_model_stream", evt.Name())
	require.Empty(t, evt.ErrorMessage())
	evt.Err = errors.New("failed")
	require.Equal(t, "failed", evt.ErrorMessage())
}
