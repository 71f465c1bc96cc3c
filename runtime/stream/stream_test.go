package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/run"
)

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue[int]()
	for i := range 1000 {
		require.NoError(t, q.Push(i))
	}
	q.Close()
	require.ErrorIs(t, q.Push(1), ErrQueueClosed)

	r, err := q.Reader()
	require.NoError(t, err)
	ctx := context.Background()
	for i := range 1000 {
		v, err := r.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, io.EOF, "exhausted reader stays exhausted")
}

func TestQueueSingleReader(t *testing.T) {
	q := NewQueue[string]()
	_, err := q.Reader()
	require.NoError(t, err)
	_, err = q.Reader()
	require.ErrorIs(t, err, ErrReaderTaken)
}

func TestQueueReaderWaits(t *testing.T) {
	q := NewQueue[string]()
	r, err := q.Reader()
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Push("late")
		q.Close()
	}()
	v, err := r.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "late", v)
	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestQueueReaderCancellation(t *testing.T) {
	q := NewQueue[string]()
	r, err := q.Reader()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubscriberSkipsRoot(t *testing.T) {
	sink := NewChannelSink()
	sub, err := NewSubscriber(sink)
	require.NoError(t, err)
	ctx := context.Background()

	root := run.Run{ID: "root", Kind: run.KindChain, Name: "root"}
	child := run.Run{ID: "c1", ParentID: "root", Kind: run.KindTool, Name: "search", Tags: []string{"t"}}
	require.NoError(t, sub.HandleEvent(ctx, hooks.Event{Type: hooks.RunStarted, Run: root, Root: true}))
	require.NoError(t, sub.HandleEvent(ctx, hooks.Event{Type: hooks.RunStarted, Run: child, Input: "q", HasInput: true}))
	require.NoError(t, sub.HandleEvent(ctx, hooks.Event{Type: hooks.RunEnded, Run: child, Output: "a", Input: "q", HasInput: true}))
	require.NoError(t, sink.Close(ctx))

	r, err := sink.Events()
	require.NoError(t, err)
	first, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "on_tool_start", first.Event)
	require.Equal(t, "c1", first.RunID)
	require.Equal(t, "q", first.Data.Input)

	second, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "on_tool_end", second.Event)
	require.Equal(t, "a", second.Data.Output)

	_, err = r.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestNewSubscriberRequiresSink(t *testing.T) {
	_, err := NewSubscriber(nil)
	require.Error(t, err)
}

func TestFromHookFailure(t *testing.T) {
	evt := FromHook(hooks.Event{Type: hooks.RunEnded, Run: run.Run{ID: "r", Kind: run.KindLLM}, Err: errors.New("rate limited")})
	require.Equal(t, "on_llm_end", evt.Event)
	require.Equal(t, "rate limited", evt.Data.Error)
	require.False(t, evt.Data.HasOutput)
}

func TestEventJSON(t *testing.T) {
	evt := Event{
		Event: "on_llm_stream",
		Name:  "model",
		RunID: "r1",
		Data:  EventData{Chunk: nil, HasChunk: true},
	}
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"on_llm_stream","name":"model","run_id":"r1","tags":[],"metadata":{},"data":{"chunk":null}}`, string(b))

	evt.ParentIDs = []string{}
	b, err = json.Marshal(evt)
	require.NoError(t, err)
	require.Contains(t, string(b), `"parent_ids":[]`)

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "r1", decoded.RunID)
	require.True(t, decoded.Data.HasChunk)
	require.Nil(t, decoded.Data.Chunk)
	require.False(t, decoded.Data.HasInput)
	require.NotNil(t, decoded.ParentIDs)
	require.Equal(t, run.KindLLM, decoded.Kind())
	require.Equal(t, hooks.RunStreamed, decoded.Phase())
}

func TestParseName(t *testing.T) {
	kind, phase, err := ParseName("on_chat_model_end")
	require.NoError(t, err)
	require.Equal(t, run.KindChatModel, kind)
	require.Equal(t, hooks.RunEnded, phase)

	for _, bad := range []string{"chat_model_end", "on_end", "on_llm_finish"} {
		_, _, err := ParseName(bad)
		require.Error(t, err, bad)
	}
}
