package tracing

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"goa.design/runtrace/runtime/run"
)

// Scope is a handle on a started run. It lets the code executing a run
// report its progress and start child runs without tracking ids.
type Scope struct {
	emitter *Emitter
	id      string
	kind    run.Kind
	tags    []string
}

// Start starts a run and returns its scope. A random run id is generated
// when info.RunID is empty.
func (e *Emitter) Start(ctx context.Context, info StartInfo) (*Scope, error) {
	if info.RunID == "" {
		info.RunID = uuid.NewString()
	}
	if err := e.OnStart(ctx, info); err != nil {
		return nil, err
	}
	return &Scope{emitter: e, id: info.RunID, kind: info.Kind, tags: info.Tags}, nil
}

// ID returns the run id.
func (s *Scope) ID() string { return s.id }

// Kind returns the run kind.
func (s *Scope) Kind() run.Kind { return s.kind }

// Emitter returns the emitter the run was started on.
func (s *Scope) Emitter() *Emitter { return s.emitter }

// Child starts a run nested under s. The child inherits the tags of s,
// followed by its own.
func (s *Scope) Child(ctx context.Context, info StartInfo) (*Scope, error) {
	info.ParentID = s.id
	info.Tags = inheritTags(s.tags, info.Tags)
	return s.emitter.Start(ctx, info)
}

// Stream reports a streamed chunk.
func (s *Scope) Stream(ctx context.Context, chunk any) error {
	return s.emitter.OnStream(ctx, s.id, chunk)
}

// Token reports a streamed text token.
func (s *Scope) Token(ctx context.Context, token string) error {
	return s.emitter.OnToken(ctx, s.id, token)
}

// End completes the run with output.
func (s *Scope) End(ctx context.Context, output any) error {
	return s.emitter.OnEnd(ctx, s.id, output)
}

// Fail completes the run with err.
func (s *Scope) Fail(ctx context.Context, err error) error {
	return s.emitter.OnError(ctx, s.id, err)
}

func inheritTags(parent, own []string) []string {
	if len(parent) == 0 {
		return own
	}
	out := slices.Clone(parent)
	for _, t := range own {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
