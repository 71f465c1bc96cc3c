package tracing

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/schema"
	"goa.design/runtrace/runtime/stream"
)

// newStreamEmitter returns an emitter whose events are collected by a
// channel sink.
func newStreamEmitter(t *testing.T, opts ...Option) (*Emitter, *stream.ChannelSink) {
	t.Helper()
	bus := hooks.NewBus()
	sink := stream.NewChannelSink()
	sub, err := stream.NewSubscriber(sink)
	require.NoError(t, err)
	_, err = bus.Register(sub)
	require.NoError(t, err)
	e, err := NewEmitter(bus, opts...)
	require.NoError(t, err)
	return e, sink
}

func drain(t *testing.T, sink *stream.ChannelSink) []stream.Event {
	t.Helper()
	require.NoError(t, sink.Close(context.Background()))
	reader, err := sink.Events()
	require.NoError(t, err)
	var out []stream.Event
	for {
		evt, err := reader.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, evt)
	}
}

func names(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}

func TestRunLifecycleOrdering(t *testing.T) {
	ctx := context.Background()
	e, sink := newStreamEmitter(t)

	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindLLM, RunID: "r1"}))
	require.NoError(t, e.OnStream(ctx, "r1", "a"))
	require.NoError(t, e.OnStream(ctx, "r1", "b"))
	require.NoError(t, e.OnEnd(ctx, "r1", "ab"))

	events := drain(t, sink)
	require.Equal(t, []string{"on_llm_start", "on_llm_stream", "on_llm_stream", "on_llm_end"}, names(events))
	for _, evt := range events {
		require.Equal(t, "r1", evt.RunID)
	}
	require.Equal(t, "a", events[1].Data.Chunk)
	require.Equal(t, "b", events[2].Data.Chunk)
	require.True(t, events[3].Data.HasOutput)
	require.Equal(t, "ab", events[3].Data.Output)
}

func TestUnknownRunIsReported(t *testing.T) {
	ctx := context.Background()
	e, sink := newStreamEmitter(t)

	var unknown *run.UnknownRunError
	require.ErrorAs(t, e.OnStream(ctx, "missing", "x"), &unknown)
	require.Equal(t, "missing", unknown.RunID)
	require.ErrorAs(t, e.OnToken(ctx, "missing", "x"), &unknown)
	require.ErrorAs(t, e.OnEnd(ctx, "missing", nil), &unknown)
	require.ErrorAs(t, e.OnError(ctx, "missing", errors.New("boom")), &unknown)

	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindTool, RunID: "t1"}))
	require.NoError(t, e.OnEnd(ctx, "t1", 1))
	require.ErrorAs(t, e.OnEnd(ctx, "t1", 1), &unknown, "a run ends once")
	require.ErrorIs(t, e.OnStart(ctx, StartInfo{Kind: run.KindTool, RunID: "t1"}), run.ErrRunExists)

	require.Len(t, drain(t, sink), 2)
}

func TestErrorTerminal(t *testing.T) {
	ctx := context.Background()
	e, sink := newStreamEmitter(t)

	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindTool, RunID: "t1", Inputs: map[string]any{"q": "go"}, HasInputs: true}))
	require.NoError(t, e.OnError(ctx, "t1", errors.New("timeout")))

	events := drain(t, sink)
	require.Equal(t, []string{"on_tool_start", "on_tool_end"}, names(events))
	end := events[1].Data
	require.Equal(t, "timeout", end.Error)
	require.False(t, end.HasOutput)
	require.True(t, end.HasInput)
	require.Equal(t, map[string]any{"q": "go"}, end.Input)
}

func TestTrivialInputsAreNotReported(t *testing.T) {
	cases := []struct {
		name   string
		inputs any
		has    bool
		want   bool
	}{
		{"absent", nil, false, false},
		{"nil", nil, true, false},
		{"empty map", map[string]any{}, true, false},
		{"placeholder", map[string]any{"input": ""}, true, false},
		{"text", "hello", true, true},
		{"value", map[string]any{"input": "hi"}, true, true},
		{"string placeholder", map[string]string{"input": ""}, true, false},
		{"string question", map[string]string{"question": "why?"}, true, true},
		{"question", map[string]any{"question": "why?"}, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e, sink := newStreamEmitter(t)
			require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindChain, RunID: "c1", Inputs: tc.inputs, HasInputs: tc.has}))
			require.NoError(t, e.OnEnd(ctx, "c1", nil))
			events := drain(t, sink)
			require.Equal(t, tc.want, events[0].Data.HasInput)
			require.Equal(t, tc.want, events[1].Data.HasInput)
		})
	}
}

func TestNameResolution(t *testing.T) {
	cases := []struct {
		name       string
		explicit   string
		serialized map[string]any
		want       string
	}{
		{"explicit", "mine", map[string]any{"name": "other"}, "mine"},
		{"descriptor name", "", map[string]any{"name": "ChatFake", "id": []any{"x", "Y"}}, "ChatFake"},
		{"id path", "", map[string]any{"id": []any{"models", "ChatFake"}}, "ChatFake"},
		{"string id path", "", map[string]any{"id": []string{"models", "Fake"}}, "Fake"},
		{"unnamed", "", nil, UnnamedRun},
		{"empty id path", "", map[string]any{"id": []any{}}, UnnamedRun},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveName(tc.explicit, tc.serialized))
		})
	}

	ctx := context.Background()
	e, sink := newStreamEmitter(t)
	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindChatModel, RunID: "m1", Serialized: map[string]any{"id": []any{"chat", "FakeChat"}}}))
	require.Equal(t, "FakeChat", drain(t, sink)[0].Name)
}

func TestTokensAreWrappedByKind(t *testing.T) {
	ctx := context.Background()
	e, sink := newStreamEmitter(t)
	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindChatModel, RunID: "chat"}))
	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindLLM, RunID: "llm"}))
	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindTool, RunID: "tool"}))
	require.NoError(t, e.OnToken(ctx, "chat", "hi"))
	require.NoError(t, e.OnToken(ctx, "llm", "hi"))
	require.NoError(t, e.OnToken(ctx, "tool", "hi"))

	events := drain(t, sink)[3:]
	require.Equal(t, schema.Message{Type: schema.TypeAI, Chunk: true, Content: "hi"}, events[0].Data.Chunk)
	require.Equal(t, schema.Generation{Text: "hi", Chunk: true}, events[1].Data.Chunk)
	require.Equal(t, "hi", events[2].Data.Chunk)

	r, err := e.Lookup("chat")
	require.NoError(t, err)
	require.Len(t, r.StreamedOutput, 1)
}

func TestParentIDsByVersion(t *testing.T) {
	ctx := context.Background()
	for _, v := range []Version{V1, V2} {
		t.Run(string(v), func(t *testing.T) {
			e, sink := newStreamEmitter(t, WithVersion(v))
			require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindChain, RunID: "a"}))
			require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindChain, RunID: "b", ParentID: "a"}))
			require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindTool, RunID: "c", ParentID: "b"}))
			require.NoError(t, e.OnEnd(ctx, "c", nil))
			events := drain(t, sink)
			if v == V1 {
				for _, evt := range events {
					require.Nil(t, evt.ParentIDs)
				}
				return
			}
			require.Equal(t, []string{}, events[0].ParentIDs)
			require.Equal(t, []string{"a"}, events[1].ParentIDs)
			require.Equal(t, []string{"a", "b"}, events[2].ParentIDs)
			require.Equal(t, []string{"a", "b"}, events[3].ParentIDs, "end events keep ancestry")
		})
	}
}

func TestRootRunIsNotAnEventTarget(t *testing.T) {
	ctx := context.Background()
	bus := hooks.NewBus()
	var all []hooks.Event
	_, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		all = append(all, evt)
		return nil
	}))
	require.NoError(t, err)
	sink := stream.NewChannelSink()
	sub, err := stream.NewSubscriber(sink)
	require.NoError(t, err)
	_, err = bus.Register(sub)
	require.NoError(t, err)
	e, err := NewEmitter(bus, WithRootID("root"), WithFilter(Filter{IncludeTypes: []string{"tool"}}))
	require.NoError(t, err)

	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindChain, RunID: "root"}))
	require.NoError(t, e.OnStart(ctx, StartInfo{Kind: run.KindTool, RunID: "t", ParentID: "root"}))
	require.NoError(t, e.OnEnd(ctx, "t", "ok"))
	require.NoError(t, e.OnEnd(ctx, "root", "done"))

	require.Equal(t, []string{"on_tool_start", "on_tool_end"}, names(drain(t, sink)))
	require.Len(t, all, 4)
	require.True(t, all[0].Root)
	require.False(t, all[1].Root)
	require.True(t, all[3].Root)
}

func TestDeliveryFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	bus := hooks.NewBus()
	sink := stream.NewChannelSink()
	sub, err := stream.NewSubscriber(sink)
	require.NoError(t, err)
	_, err = bus.Register(sub)
	require.NoError(t, err)
	e, err := NewEmitter(bus)
	require.NoError(t, err)

	require.NoError(t, sink.Close(ctx))
	err = e.OnStart(ctx, StartInfo{Kind: run.KindLLM, RunID: "r1"})
	require.ErrorIs(t, err, stream.ErrQueueClosed)
}

func TestNewEmitterValidation(t *testing.T) {
	_, err := NewEmitter(nil)
	require.Error(t, err)
	_, err = NewEmitter(hooks.NewBus(), WithVersion("v3"))
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	v, err := ParseVersion("")
	require.NoError(t, err)
	require.Equal(t, V2, v)
}

func TestScopes(t *testing.T) {
	ctx := context.Background()
	e, sink := newStreamEmitter(t)

	parent, err := e.Start(ctx, StartInfo{Kind: run.KindChain, Name: "pipeline", Tags: []string{"a"}})
	require.NoError(t, err)
	require.NotEmpty(t, parent.ID())
	child, err := parent.Child(ctx, StartInfo{Kind: run.KindChatModel, Name: "model", Tags: []string{"b", "a"}})
	require.NoError(t, err)
	require.NoError(t, child.Token(ctx, "hi"))
	require.NoError(t, child.Fail(ctx, errors.New("quota")))
	require.NoError(t, parent.End(ctx, "done"))

	events := drain(t, sink)
	require.Equal(t, []string{"on_chain_start", "on_chat_model_start", "on_chat_model_stream", "on_chat_model_end", "on_chain_end"}, names(events))
	require.Equal(t, []string{"a", "b"}, events[1].Tags)
	require.Equal(t, []string{parent.ID()}, events[1].ParentIDs)
	require.Equal(t, "quota", events[3].Data.Error)
}
