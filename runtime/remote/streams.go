package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"goa.design/runtrace/runtime/chunk"
	"goa.design/runtrace/runtime/patch"
	"goa.design/runtrace/runtime/runlog"
	"goa.design/runtrace/runtime/schema"
	"goa.design/runtrace/runtime/stream"
)

type (
	// OutputStream yields the output chunks of a streamed call and folds
	// them into the final output.
	OutputStream struct {
		f       *frames
		reviver *schema.Reviver
		agg     chunk.Aggregator
	}

	// LogStream yields run log patches and folds them into the cumulative
	// log.
	LogStream struct {
		f       *frames
		reviver *schema.Reviver
		log     runlog.RunLog
		seeded  bool
		// foldErr is the error of the last fold, reported by the next Recv.
		foldErr error
	}

	// EventStream yields run events and records them.
	EventStream struct {
		f       *frames
		reviver *schema.Reviver
		events  []stream.Event
	}

	// frames tracks the progress of a frame source: the run id announced by
	// the metadata frame and the terminal outcome. Finish hooks run once,
	// when the stream ends, fails or is closed.
	frames struct {
		ctx    context.Context
		src    FrameSource
		runID  string
		done   bool
		err    error
		finish []func(error) error
	}
)

// NewOutputStream reads output chunks from src. A nil reviver selects the
// default revive rules.
func NewOutputStream(ctx context.Context, src FrameSource, reviver *schema.Reviver) *OutputStream {
	return newOutputStream(newFrames(ctx, src), reviver)
}

// NewLogStream reads run log patches from src.
func NewLogStream(ctx context.Context, src FrameSource, reviver *schema.Reviver) *LogStream {
	return newLogStream(newFrames(ctx, src), reviver)
}

// NewEventStream reads run events from src.
func NewEventStream(ctx context.Context, src FrameSource, reviver *schema.Reviver) *EventStream {
	return newEventStream(newFrames(ctx, src), reviver)
}

func newOutputStream(f *frames, r *schema.Reviver) *OutputStream {
	return &OutputStream{f: f, reviver: orDefault(r)}
}

func newLogStream(f *frames, r *schema.Reviver) *LogStream {
	return &LogStream{f: f, reviver: orDefault(r)}
}

func newEventStream(f *frames, r *schema.Reviver) *EventStream {
	return &EventStream{f: f, reviver: orDefault(r)}
}

func orDefault(r *schema.Reviver) *schema.Reviver {
	if r == nil {
		return schema.NewReviver()
	}
	return r
}

// Recv returns the next revived chunk. Chunks that cannot be combined with
// the previous ones are still returned; only Final is affected.
func (s *OutputStream) Recv() (any, error) {
	data, err := s.f.next()
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, s.f.fail(fmt.Errorf("remote: decode chunk: %w", err))
	}
	v = s.reviver.Revive(v)
	_ = s.agg.Add(v)
	return v, nil
}

// Final returns the combination of every chunk received so far. ok is false
// when no chunk was received or two chunks could not be combined.
func (s *OutputStream) Final() (any, bool) { return s.agg.Result() }

// CombineErr returns the error that made Final unavailable, if any.
func (s *OutputStream) CombineErr() error { return s.agg.Err() }

// RunID returns the server run id, once its metadata frame was received.
func (s *OutputStream) RunID() string { return s.f.runID }

// Close releases the stream. Closing before the end frame reports
// ErrStreamClosed to the call observer.
func (s *OutputStream) Close() error { return s.f.close() }

// Recv returns the next patch batch and folds it into Log. A batch that
// does not apply is still returned; the next call then ends the stream with
// the fold error, matched by runlog.IsGap for missing paths. A unit without
// ops is an empty batch.
func (s *LogStream) Recv() (runlog.Patch, error) {
	if s.foldErr != nil {
		return runlog.Patch{}, s.f.fail(s.foldErr)
	}
	data, err := s.f.next()
	if err != nil {
		return runlog.Patch{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return runlog.Patch{}, s.f.fail(fmt.Errorf("remote: decode patch: %w", err))
	}
	revived, _ := s.reviver.Revive(raw).(map[string]any)
	var ops []patch.Operation
	if rawOps := revived["ops"]; rawOps != nil {
		if ops, err = patch.ParseOperations(rawOps); err != nil {
			return runlog.Patch{}, s.f.fail(err)
		}
	}
	p := runlog.NewPatch(ops...)
	var next runlog.RunLog
	if s.seeded {
		next, err = s.log.Concat(p)
	} else {
		next, err = runlog.FromPatch(p)
	}
	if err != nil {
		s.foldErr = fmt.Errorf("remote: fold patch: %w", err)
		return p, nil
	}
	s.log, s.seeded = next, true
	return p, nil
}

// Log returns the cumulative log as of the last received patch.
func (s *LogStream) Log() runlog.RunLog { return s.log }

// RunID returns the server run id, once its metadata frame was received.
func (s *LogStream) RunID() string { return s.f.runID }

// Close releases the stream.
func (s *LogStream) Close() error { return s.f.close() }

// Recv returns the next event with its data values revived.
func (s *EventStream) Recv() (stream.Event, error) {
	data, err := s.f.next()
	if err != nil {
		return stream.Event{}, err
	}
	var evt stream.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return stream.Event{}, s.f.fail(fmt.Errorf("remote: decode event: %w", err))
	}
	if evt.Data.HasInput {
		evt.Data.Input = s.reviver.Revive(evt.Data.Input)
	}
	if evt.Data.HasChunk {
		evt.Data.Chunk = s.reviver.Revive(evt.Data.Chunk)
	}
	if evt.Data.HasOutput {
		evt.Data.Output = s.reviver.Revive(evt.Data.Output)
	}
	s.events = append(s.events, evt)
	return evt, nil
}

// Events returns the events received so far, in order.
func (s *EventStream) Events() []stream.Event { return slices.Clone(s.events) }

// RunID returns the server run id, once its metadata frame was received.
func (s *EventStream) RunID() string { return s.f.runID }

// Close releases the stream.
func (s *EventStream) Close() error { return s.f.close() }

func newFrames(ctx context.Context, src FrameSource) *frames {
	return &frames{ctx: ctx, src: src}
}

// onFinish registers a hook run once with the terminal outcome: nil for a
// clean end.
func (f *frames) onFinish(fn func(error) error) {
	f.finish = append(f.finish, fn)
}

// next returns the payload of the next data frame, io.EOF after the end
// frame.
func (f *frames) next() ([]byte, error) {
	if f.done {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	for {
		fr, err := f.src.Next(f.ctx)
		if err != nil {
			if ctxErr := f.ctx.Err(); ctxErr != nil {
				return nil, f.fail(ctxErr)
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, f.fail(&StreamError{Err: err})
		}
		switch fr.Event {
		case FrameData:
			return fr.Data, nil
		case FrameMetadata:
			var meta struct {
				RunID string `json:"run_id"`
			}
			if json.Unmarshal(fr.Data, &meta) == nil {
				f.runID = meta.RunID
			}
		case FrameError:
			remoteErr := &RemoteError{}
			if err := json.Unmarshal(fr.Data, remoteErr); err != nil {
				remoteErr.Message = string(fr.Data)
			}
			return nil, f.fail(remoteErr)
		case FrameEnd:
			if err := f.end(nil); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
	}
}

// fail ends the stream with err and returns it.
func (f *frames) fail(err error) error {
	_ = f.end(err)
	return err
}

// end records the outcome, closes the source and runs the finish hooks. It
// returns the first hook error.
func (f *frames) end(err error) error {
	if f.done {
		return nil
	}
	f.done, f.err = true, err
	_ = f.src.Close()
	var hookErr error
	for _, fn := range f.finish {
		if herr := fn(err); herr != nil && hookErr == nil {
			hookErr = herr
		}
	}
	if err == nil && hookErr != nil {
		f.err = hookErr
	}
	return hookErr
}

func (f *frames) close() error {
	if f.done {
		return nil
	}
	_ = f.end(ErrStreamClosed)
	return nil
}
