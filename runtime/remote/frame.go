package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type (
	// Frame is one unit of a streamed response.
	Frame struct {
		// Event is the frame kind: FrameMetadata, FrameData, FrameError or
		// FrameEnd.
		Event string
		// Data is the JSON payload.
		Data []byte
	}

	// FrameSource yields the frames of a streamed response. Next suspends
	// until a frame is available and returns io.EOF when the underlying
	// transport ends. Implementations need not be safe for concurrent use.
	FrameSource interface {
		Next(ctx context.Context) (Frame, error)
		Close() error
	}

	// sseSource reads Server-Sent Events from a response body.
	sseSource struct {
		body   io.ReadCloser
		reader *bufio.Reader
		once   sync.Once
	}
)

// Frame kinds.
const (
	// FrameMetadata carries {"run_id": ...}.
	FrameMetadata = "metadata"
	// FrameData carries one unit: a chunk, a patch batch or an event.
	FrameData = "data"
	// FrameError carries {"status_code": ..., "message": ...}.
	FrameError = "error"
	// FrameEnd marks the clean end of the stream.
	FrameEnd = "end"
)

// NewSSESource returns a frame source reading Server-Sent Events from body.
// Closing the source closes body.
func NewSSESource(body io.ReadCloser) FrameSource {
	return &sseSource{body: body, reader: bufio.NewReader(body)}
}

// Next reads the next event. Events without a name are data frames.
func (s *sseSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	event, data, err := readSSEEvent(s.reader)
	if err != nil {
		return Frame{}, err
	}
	if event == "" {
		event = FrameData
	}
	return Frame{Event: event, Data: data}, nil
}

// Close closes the response body.
func (s *sseSource) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (event != "" || len(data) > 0) {
				return "", nil, io.ErrUnexpectedEOF
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			after = strings.TrimPrefix(after, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, after...)
			continue
		}
	}
}

// WriteFrame writes f as a Server-Sent Event.
func WriteFrame(w io.Writer, f Frame) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", f.Event)
	for line := range bytes.SplitSeq(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// SliceSource returns a frame source replaying frames, then io.EOF.
func SliceSource(frames ...Frame) FrameSource {
	return &sliceSource{frames: frames}
}

type sliceSource struct {
	frames []Frame
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if len(s.frames) == 0 {
		return Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error { return nil }
