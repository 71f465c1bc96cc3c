package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/runtrace/runtime/remote"
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/stream"
	"goa.design/runtrace/runtime/tracing"
)

var adder = RunnableFunc{
	RunName: "adder",
	Fn: func(ctx context.Context, input any, scope *tracing.Scope) (any, error) {
		m, _ := input.(map[string]any)
		a, _ := m["a"].(float64)
		b, _ := m["b"].(float64)
		tool, err := scope.Child(ctx, tracing.StartInfo{Kind: run.KindTool, Name: "add", Inputs: input, HasInputs: true})
		if err != nil {
			return nil, err
		}
		if err := tool.End(ctx, a+b); err != nil {
			return nil, err
		}
		return a + b, nil
	},
}

const inputSchema = `{
  "type": "object",
  "properties": {"a": {"type": "number"}, "b": {"type": "number"}},
  "required": ["a", "b"]
}`

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func readFrames(t *testing.T, body io.Reader) []remote.Frame {
	t.Helper()
	src := remote.NewSSESource(io.NopCloser(bufio.NewReader(body)))
	var frames []remote.Frame
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestInvoke(t *testing.T) {
	s, err := New(adder, WithInputSchema([]byte(inputSchema)))
	require.NoError(t, err)

	rec := post(t, s, "/invoke", `{"input":{"a":1,"b":2},"config":{},"kwargs":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Output   float64        `json:"output"`
		Metadata map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3.0, resp.Output)
	require.NotEmpty(t, resp.Metadata["run_id"])
}

func TestInputValidation(t *testing.T) {
	s, err := New(adder, WithInputSchema([]byte(inputSchema)))
	require.NoError(t, err)

	rec := post(t, s, "/invoke", `{"input":{"a":"one"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(t, s, "/batch", `{"inputs":[{"a":1,"b":2},{"a":1}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(t, s, "/invoke", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	_, err = New(adder, WithInputSchema([]byte(`{"type": 12}`)))
	require.Error(t, err)
}

func TestStreamEventsFrames(t *testing.T) {
	mirror := stream.NewChannelSink()
	s, err := New(adder, WithMirror(mirror))
	require.NoError(t, err)

	rec := post(t, s, "/stream_events", `{"input":{"a":1,"b":2},"version":"v1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := readFrames(t, rec.Body)
	require.Len(t, frames, 4)
	require.Equal(t, remote.FrameMetadata, frames[0].Event)
	require.Equal(t, remote.FrameEnd, frames[3].Event)
	var start stream.Event
	require.NoError(t, json.Unmarshal(frames[1].Data, &start))
	require.Equal(t, "on_tool_start", start.Event)
	require.Equal(t, "add", start.Name)
	require.Nil(t, start.ParentIDs, "v1 events carry no ancestry")

	require.NoError(t, mirror.Close(context.Background()))
	reader, err := mirror.Events()
	require.NoError(t, err)
	var mirrored int
	for {
		if _, err := reader.Next(context.Background()); err != nil {
			break
		}
		mirrored++
	}
	require.Equal(t, 2, mirrored)
}

func TestStreamEventsRejectsUnknownVersion(t *testing.T) {
	s, err := New(adder)
	require.NoError(t, err)
	rec := post(t, s, "/stream_events", `{"input":{"a":1,"b":2},"version":"v9"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamYieldsOutputWhenNothingStreamed(t *testing.T) {
	s, err := New(adder)
	require.NoError(t, err)
	frames := readFrames(t, post(t, s, "/stream", `{"input":{"a":2,"b":2}}`).Body)
	require.Len(t, frames, 3)
	require.Equal(t, remote.FrameData, frames[1].Event)
	require.JSONEq(t, `4`, string(frames[1].Data))
}

func TestStreamLogFrames(t *testing.T) {
	s, err := New(adder)
	require.NoError(t, err)
	frames := readFrames(t, post(t, s, "/stream_log", `{"input":{"a":2,"b":2},"include_types":["tool"]}`).Body)
	// metadata, root start, tool start, tool end, root end, end
	require.Len(t, frames, 6)
	require.Contains(t, string(frames[2].Data), `"path":"/logs/add"`)
	require.Contains(t, string(frames[4].Data), `"path":"/final_output"`)
}

func TestStreamErrorFrame(t *testing.T) {
	s, err := New(RunnableFunc{RunName: "broken", Fn: func(context.Context, any, *tracing.Scope) (any, error) {
		return nil, errors.New("exploded")
	}})
	require.NoError(t, err)
	frames := readFrames(t, post(t, s, "/stream_events", `{"input":null}`).Body)
	last := frames[len(frames)-1]
	require.Equal(t, remote.FrameError, last.Event)
	require.JSONEq(t, `{"status_code":500,"message":"exploded"}`, string(last.Data))
}
