package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/runtrace/features/stream/pulse/clients/pulse"
	"goa.design/runtrace/runtime/remote"
	"goa.design/runtrace/runtime/remote/server"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/tracing"
)

var lookup = server.RunnableFunc{
	RunName: "lookup",
	Fn: func(ctx context.Context, input any, scope *tracing.Scope) (any, error) {
		if input == "missing" {
			return nil, errors.New("not found")
		}
		tool, err := scope.Child(ctx, tracing.StartInfo{Kind: run.KindTool, Name: "search", Inputs: input, HasInputs: true})
		if err != nil {
			return nil, err
		}
		if err := tool.End(ctx, "found "+input.(string)); err != nil {
			return nil, err
		}
		return "done", nil
	},
}

func invoke(t *testing.T, h http.Handler, input string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(`{"input":"`+input+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp struct {
		Metadata struct {
			RunID string `json:"run_id"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Metadata.RunID
}

func TestReplayMirroredInvocation(t *testing.T) {
	client := newFakeClient()
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)
	srv, err := server.New(lookup, server.WithMirror(streams.Sink()))
	require.NoError(t, err)

	rootID := invoke(t, srv, "cats")
	require.NotEmpty(t, rootID)

	ctx := context.Background()
	events, err := streams.Replay(ctx, rootID, nil)
	require.NoError(t, err)
	start, err := events.Recv()
	require.NoError(t, err)
	require.Equal(t, "on_tool_start", start.Event)
	require.Equal(t, "search", start.Name)
	require.Equal(t, []string{rootID}, start.ParentIDs)
	end, err := events.Recv()
	require.NoError(t, err)
	require.Equal(t, "on_tool_end", end.Event)
	require.Equal(t, "found cats", end.Data.Output)
	_, err = events.Recv()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, rootID, events.RunID())
	require.True(t, client.stream(StreamName(rootID)).sinkClosed())
}

func TestReplayMirroredFailure(t *testing.T) {
	client := newFakeClient()
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)
	srv, err := server.New(lookup, server.WithMirror(streams.Sink()))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(`{"input":"missing"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The failed invocation published only its terminal entry.
	var rootID string
	for name := range client.streams {
		rootID = strings.TrimPrefix(name, "run/")
	}
	require.NotEmpty(t, rootID)
	events, err := streams.Replay(context.Background(), rootID, nil)
	require.NoError(t, err)
	_, err = events.Recv()
	var remoteErr *remote.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "not found", remoteErr.Message)
}

func TestRuntimeStreamsClose(t *testing.T) {
	client := newFakeClient()
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)

	_, err = NewRuntimeStreams(RuntimeStreamsOptions{})
	require.Error(t, err)
}

type (
	fakeClient struct {
		mu         sync.Mutex
		streams    map[string]*fakeStream
		closeCount int
		streamErr  error
	}

	fakeStream struct {
		mu      sync.Mutex
		entries chan *streaming.Event
		added   []string
		addErr  error
		sink    *fakeSink
	}

	fakeSink struct {
		entries chan *streaming.Event
		mu      sync.Mutex
		acked   int
		closed  bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream(name), nil
}

func (f *fakeClient) stream(name string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{entries: make(chan *streaming.Event, 64)}
		f.streams[name] = s
	}
	return s
}

func (f *fakeClient) Close(context.Context) error {
	f.closeCount++
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, event)
	id := strings.Repeat("1", len(s.added)) + "-0"
	s.entries <- &streaming.Event{ID: id, Payload: payload}
	return id, nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = &fakeSink{entries: s.entries}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) sinkClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return false
	}
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	return s.sink.closed
}

func (k *fakeSink) Subscribe() <-chan *streaming.Event { return k.entries }

func (k *fakeSink) Ack(context.Context, *streaming.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.acked++
	return nil
}

func (k *fakeSink) Close(context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
}
