// Package run defines the run model and the in-memory registry that tracks
// active runs between their start and terminal callbacks.
//
// # Core Concepts
//
// Run:
//   - One traced unit of work (model call, chain step, tool call, retrieval)
//   - Identified by an opaque id that is unique for the lifetime of a Registry
//   - Optionally attached to a parent run, forming an execution tree
//
// Lifecycle:
//
//	absent ──Start──▶ active ──Retire──▶ retired
//
// No other transitions exist. A retired id is remembered by the registry and
// can never be started again.
package run

import (
	"fmt"
	"slices"
	"time"
)

type (
	// Kind identifies the category of a run. It is the "<kind>" segment of the
	// event names emitted for the run (on_<kind>_start, ...).
	Kind string

	// Run captures the metadata and accumulated output of a traced run.
	// Registries hand out copies; mutating a Run returned by a Registry never
	// affects the registered entry.
	Run struct {
		// ID uniquely identifies the run.
		ID string
		// ParentID identifies the parent run. Empty for top-level runs.
		ParentID string
		// Kind is the run category.
		Kind Kind
		// Name is the human readable run name.
		Name string
		// Tags are caller-provided labels in caller order.
		Tags []string
		// Metadata carries caller-provided key/value pairs.
		Metadata map[string]any
		// Inputs holds the inputs supplied at start. Only meaningful when
		// HasInputs is true.
		Inputs any
		// HasInputs records whether the caller supplied inputs at start.
		HasInputs bool
		// StreamedOutput lists the chunks streamed so far, in order.
		StreamedOutput []any
		// FinalOutput is the output recorded when the run ended.
		FinalOutput any
		// StartedAt records when the run was registered.
		StartedAt time.Time
	}

	// UnknownRunError indicates a stream or terminal callback for a run id that
	// was never started, or that was already retired.
	UnknownRunError struct {
		// RunID is the offending run identifier.
		RunID string
		// Op names the registry operation that failed (e.g. "append").
		Op string
	}
)

const (
	// KindLLM identifies text completion model runs.
	KindLLM Kind = "llm"
	// KindChatModel identifies chat model runs.
	KindChatModel Kind = "chat_model"
	// KindChain identifies composite steps.
	KindChain Kind = "chain"
	// KindTool identifies tool invocations.
	KindTool Kind = "tool"
	// KindRetriever identifies document retrievals.
	KindRetriever Kind = "retriever"
	// KindOther identifies any other unit of work.
	KindOther Kind = "other"
)

// Kinds lists every valid run kind.
var Kinds = []Kind{KindLLM, KindChatModel, KindChain, KindTool, KindRetriever, KindOther}

// ParseKind validates s as a run kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("run: invalid kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// IsModel reports whether k is a language model kind (llm or chat_model).
func (k Kind) IsModel() bool {
	return k == KindLLM || k == KindChatModel
}

// Error implements error.
func (e *UnknownRunError) Error() string {
	return fmt.Sprintf("run: %s: unknown run id %q", e.Op, e.RunID)
}

// Clone returns a copy of r whose tags, metadata and streamed output are
// independent from r.
func (r Run) Clone() Run {
	r.Tags = slices.Clone(r.Tags)
	r.Metadata = cloneMetadata(r.Metadata)
	r.StreamedOutput = slices.Clone(r.StreamedOutput)
	return r
}

func cloneMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
