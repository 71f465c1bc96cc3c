package remote

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		{Event: FrameMetadata, Data: []byte(`{"run_id":"r1"}`)},
		{Event: FrameData, Data: []byte("line one\nline two")},
		{Event: FrameEnd},
	}
	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	src := NewSSESource(io.NopCloser(&buf))
	ctx := context.Background()
	for _, want := range frames {
		got, err := src.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := src.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestSSESourceParsing(t *testing.T) {
	body := ": keep-alive\n\n" +
		"data: unnamed\r\n\r\n" +
		"event: error\ndata:{\"message\":\"x\"}\n\n" +
		"event: data\ndata: cut"
	src := NewSSESource(io.NopCloser(strings.NewReader(body)))
	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, Frame{Event: FrameData, Data: []byte("unnamed")}, f)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, Frame{Event: FrameError, Data: []byte(`{"message":"x"}`)}, f)

	_, err = src.Next(ctx)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSSESourceHonorsCancellation(t *testing.T) {
	src := NewSSESource(io.NopCloser(strings.NewReader("event: end\n\n")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
