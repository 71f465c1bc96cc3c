package run

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Registry tracks active runs. It is owned by a single emitter: callers must
// serialize calls for a given run id, but distinct run ids may be driven
// concurrently. Entries are addressed by id and copied on the way in and out.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*entry
	retired map[string]struct{}
	seq     uint64
	now     func() time.Time
}

type entry struct {
	run Run
	seq uint64
}

// ErrRunExists is returned by Start when the run id is active or was already
// retired.
var ErrRunExists = errors.New("run: id already used")

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[string]*entry),
		retired: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Start registers r as active. It returns an error if the id is empty, the
// kind is invalid, or the id was already used by this registry. StartedAt
// defaults to the current time.
func (reg *Registry) Start(r Run) error {
	if r.ID == "" {
		return errors.New("run: id is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("run: invalid kind %q for run %q", r.Kind, r.ID)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.active[r.ID]; ok {
		return fmt.Errorf("%w: %q is active", ErrRunExists, r.ID)
	}
	if _, ok := reg.retired[r.ID]; ok {
		return fmt.Errorf("%w: %q was retired", ErrRunExists, r.ID)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = reg.now()
	}
	reg.seq++
	reg.active[r.ID] = &entry{run: r.Clone(), seq: reg.seq}
	return nil
}

// Lookup returns a copy of the active run with the given id.
func (reg *Registry) Lookup(id string) (Run, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.active[id]
	if !ok {
		return Run{}, &UnknownRunError{RunID: id, Op: "lookup"}
	}
	return e.run.Clone(), nil
}

// Append records chunk as the next streamed output of the run and returns a
// copy of the updated run.
func (reg *Registry) Append(id string, chunk any) (Run, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.active[id]
	if !ok {
		return Run{}, &UnknownRunError{RunID: id, Op: "append"}
	}
	e.run.StreamedOutput = append(e.run.StreamedOutput, chunk)
	return e.run.Clone(), nil
}

// Retire removes the run from the active set and returns its last state with
// FinalOutput set to output. The read and the removal happen under the same
// lock so no other caller can observe a half retired run.
func (reg *Registry) Retire(id string, output any) (Run, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.active[id]
	if !ok {
		return Run{}, &UnknownRunError{RunID: id, Op: "retire"}
	}
	delete(reg.active, id)
	reg.retired[id] = struct{}{}
	e.run.FinalOutput = output
	return e.run, nil
}

// Active returns copies of the active runs in start order.
func (reg *Registry) Active() []Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	entries := make([]*entry, 0, len(reg.active))
	for _, e := range reg.active {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Run, len(entries))
	for i, e := range entries {
		out[i] = e.run.Clone()
	}
	return out
}

// Len returns the number of active runs.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.active)
}

// Ancestors returns the parent chain of id, root-most first. The walk stops
// after the first parent that is not active.
func (reg *Registry) Ancestors(id string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var chain []string
	e, ok := reg.active[id]
	for ok && e.run.ParentID != "" {
		parent := e.run.ParentID
		chain = append(chain, parent)
		e, ok = reg.active[parent]
	}
	slices.Reverse(chain)
	return chain
}
