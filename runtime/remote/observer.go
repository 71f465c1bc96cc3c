package remote

import (
	"context"

	"github.com/google/uuid"

	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/tracing"
)

// observer reports one remote call as a chain run on Config.Callbacks. A
// nil observer reports nothing.
type observer struct {
	emitter *tracing.Emitter
	runID   string
	done    bool
}

// observe starts the call run when cfg carries callbacks.
func observe(ctx context.Context, input any, cfg Config) (*observer, error) {
	if cfg.Callbacks == nil {
		return nil, nil
	}
	name := cfg.RunName
	if name == "" {
		name = remoteRunName
	}
	o := &observer{emitter: cfg.Callbacks, runID: uuid.NewString()}
	err := o.emitter.OnStart(ctx, tracing.StartInfo{
		Kind:      run.KindChain,
		RunID:     o.runID,
		ParentID:  cfg.ParentRunID,
		Name:      name,
		Tags:      cfg.Tags,
		Metadata:  cfg.Metadata,
		Inputs:    input,
		HasInputs: true,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// end reports the call output.
func (o *observer) end(ctx context.Context, output any) error {
	if o == nil || o.done {
		return nil
	}
	o.done = true
	return o.emitter.OnEnd(ctx, o.runID, output)
}

// fail reports cause and returns it.
func (o *observer) fail(ctx context.Context, cause error) error {
	if o == nil || o.done {
		return cause
	}
	o.done = true
	_ = o.emitter.OnError(ctx, o.runID, cause)
	return cause
}
