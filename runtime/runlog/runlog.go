// Package runlog folds run log patch batches into the materialized log of a
// run tree.
//
// The log document has the shape
//
//	{
//	  "id": "...", "name": "...", "type": "chain",
//	  "streamed_output": [...], "final_output": ...,
//	  "logs": {
//	    "<key>": {"id", "name", "type", "tags", "metadata", "start_time",
//	              "streamed_output", "streamed_output_str", "final_output",
//	              "end_time", "inputs"?, "error"?},
//	    ...
//	  }
//	}
//
// where the top-level fields describe the root run and each entry of "logs"
// describes one nested run keyed by its name ("name", "name:2", ...).
//
// A RunLog never changes once built: Concat returns a new RunLog and leaves
// the receiver's state untouched.
package runlog

import (
	"encoding/json"
	"errors"
	"slices"

	"goa.design/runtrace/runtime/patch"
)

type (
	// Patch is an ordered batch of operations advancing a run log.
	Patch struct {
		// Ops are applied in order.
		Ops []patch.Operation
	}

	// RunLog is the cumulative log: every operation received so far and the
	// resulting document.
	RunLog struct {
		// Ops lists every applied operation in order.
		Ops []patch.Operation
		// State is the materialized log document.
		State any
	}

	wirePatch struct {
		Ops []patch.Operation `json:"ops"`
	}
)

// IsGap reports whether err signals that a patch referenced a path missing
// from the accumulated state, which happens when an earlier batch was lost.
func IsGap(err error) bool {
	return errors.Is(err, patch.ErrUnresolvable)
}

// NewPatch returns a patch of ops.
func NewPatch(ops ...patch.Operation) Patch {
	return Patch{Ops: ops}
}

// Concat returns a patch holding the operations of p followed by those of
// other.
func (p Patch) Concat(other Patch) Patch {
	return Patch{Ops: slices.Concat(p.Ops, other.Ops)}
}

// MarshalJSON encodes the patch as {"ops": [...]}.
func (p Patch) MarshalJSON() ([]byte, error) {
	ops := p.Ops
	if ops == nil {
		ops = []patch.Operation{}
	}
	return json.Marshal(wirePatch{Ops: ops})
}

// UnmarshalJSON decodes {"ops": [...]}.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ops json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Ops) == 0 {
		*p = Patch{}
		return nil
	}
	ops, err := patch.DecodeOperations(raw.Ops)
	if err != nil {
		return err
	}
	*p = Patch{Ops: ops}
	return nil
}

// FromPatch seeds a run log with the first batch, applied to an empty
// object.
func FromPatch(p Patch) (RunLog, error) {
	return RunLog{State: map[string]any{}}.Concat(p)
}

// Concat folds p into the log and returns the resulting log. The receiver is
// left untouched. A patch referencing a path missing from the state fails
// with an error matched by IsGap.
func (l RunLog) Concat(p Patch) (RunLog, error) {
	state := l.State
	if state == nil {
		state = map[string]any{}
	}
	res, err := patch.ApplyPatch(state, p.Ops, patch.WithoutMutation())
	if err != nil {
		return l, err
	}
	return RunLog{Ops: slices.Concat(l.Ops, p.Ops), State: res.Document}, nil
}

// Root returns the typed view of the log document. ok is false when the
// document is not an object.
func (l RunLog) Root() (State, bool) {
	m, ok := l.State.(map[string]any)
	if !ok {
		return State{}, false
	}
	return stateFromMap(m), true
}

// Entry returns the typed view of the nested log entry with the given key.
func (l RunLog) Entry(key string) (Entry, bool) {
	v, err := patch.Get(l.State, patch.Join("logs", key))
	if err != nil {
		return Entry{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Entry{}, false
	}
	return entryFromMap(m), true
}

// FinalOutput returns the final output recorded for the root run.
func (l RunLog) FinalOutput() any {
	m, _ := l.State.(map[string]any)
	return m["final_output"]
}
