package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runtrace/runtime/stream"
)

func toolEnd(runID string, parents ...string) stream.Event {
	return stream.Event{
		Event:     "on_tool_end",
		Name:      "search",
		RunID:     runID,
		Tags:      []string{},
		Metadata:  map[string]any{},
		Data:      stream.EventData{Output: "ok", HasOutput: true},
		ParentIDs: parents,
	}
}

func TestSendPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	var published []PublishedEvent
	sink, err := NewSink(Options{
		Client: client,
		OnPublished: func(_ context.Context, ev PublishedEvent) error {
			published = append(published, ev)
			return nil
		},
	})
	require.NoError(t, err)
	sink.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, sink.Send(context.Background(), toolEnd("tool-1", "root-1", "chain-1")))

	str := client.stream("run/root-1")
	require.Equal(t, []string{"on_tool_end"}, str.added)
	entry := <-str.entries
	var env envelope
	require.NoError(t, json.Unmarshal(entry.Payload, &env))
	require.Equal(t, "on_tool_end", env.Type)
	require.Equal(t, "tool-1", env.RunID)
	require.Equal(t, 2026, env.Timestamp.Year())
	var evt stream.Event
	require.NoError(t, json.Unmarshal(env.Payload, &evt))
	require.Equal(t, "search", evt.Name)
	require.Equal(t, "ok", evt.Data.Output)

	require.Len(t, published, 1)
	require.Equal(t, "run/root-1", published[0].StreamID)
	require.Equal(t, "1-0", published[0].EntryID)
	require.Equal(t, "tool-1", published[0].Event.RunID)
}

func TestRootStreamID(t *testing.T) {
	id, err := RootStreamID(toolEnd("tool-1"))
	require.NoError(t, err)
	require.Equal(t, "run/tool-1", id)

	id, err = RootStreamID(toolEnd("tool-1", "root-1"))
	require.NoError(t, err)
	require.Equal(t, "run/root-1", id)

	_, err = RootStreamID(stream.Event{Event: "on_tool_end"})
	require.EqualError(t, err, "stream event missing run id")
}

func TestCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(e stream.Event) (string, error) {
			return "custom/" + e.RunID, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), toolEnd("tool-1", "root-1")))
	require.Len(t, client.stream("custom/tool-1").added, 1)
}

func TestFinishPublishesTerminal(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sink.Finish(ctx, "root-1", nil))
	require.NoError(t, sink.Finish(ctx, "root-2", errors.New("boom")))

	require.Equal(t, []string{"end"}, client.stream("run/root-1").added)
	entry := <-client.stream("run/root-2").entries
	var env envelope
	require.NoError(t, json.Unmarshal(entry.Payload, &env))
	require.Equal(t, "error", env.Type)
	require.JSONEq(t, `{"status_code":500,"message":"boom"}`, string(env.Payload))
}

func TestSendErrors(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")

	client := newFakeClient()
	client.streamErr = errors.New("boom")
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.EqualError(t, sink.Send(context.Background(), toolEnd("r")), "boom")

	client = newFakeClient()
	client.stream("run/r").addErr = errors.New("add-failed")
	sink, err = NewSink(Options{Client: client})
	require.NoError(t, err)
	require.EqualError(t, sink.Send(context.Background(), toolEnd("r")), "add-failed")

	sink, err = NewSink(Options{
		Client:      newFakeClient(),
		OnPublished: func(context.Context, PublishedEvent) error { return errors.New("after-publish") },
	})
	require.NoError(t, err)
	require.EqualError(t, sink.Send(context.Background(), toolEnd("r")), "after-publish")
}

func TestSourceFrames(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, toolEnd("tool-1", "root-1")))
	require.NoError(t, sink.Finish(ctx, "root-1", nil))

	src, err := NewSource(ctx, "root-1", SourceOptions{Client: client})
	require.NoError(t, err)
	meta, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "metadata", meta.Event)
	require.JSONEq(t, `{"run_id":"root-1"}`, string(meta.Data))
	data, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "data", data.Event)
	require.Contains(t, string(data.Data), `"event":"on_tool_end"`)
	end, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "end", end.Event)
	require.Equal(t, 2, client.stream("run/root-1").sink.acked)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Next(canceled)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, src.Close())
	require.True(t, client.stream("run/root-1").sinkClosed())

	_, err = NewSource(ctx, "", SourceOptions{Client: client})
	require.Error(t, err)
}
