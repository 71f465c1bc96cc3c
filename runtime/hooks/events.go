package hooks

import (
	"time"

	"goa.design/runtrace/runtime/run"
)

type (
	// Event is a single lifecycle notification published by the tracing
	// emitter. Exactly one RunStarted and at most one RunEnded event are
	// published per run, with any number of RunStreamed events in between.
	Event struct {
		// Type is the lifecycle phase.
		Type EventType
		// Run is a snapshot of the run when the event was published. For
		// RunEnded events it is the retired run, including FinalOutput.
		Run run.Run
		// Root is set for events of the root run. The root run represents
		// the whole invocation: event sinks skip it while log sinks use it to
		// materialize the root document.
		Root bool
		// ParentIDs lists the run's ancestors, root-most first. It is nil
		// when the emitter does not report ancestry.
		ParentIDs []string
		// Input is the run input reported on the event. Only meaningful when
		// HasInput is set: trivial inputs are never reported.
		Input any
		// HasInput records whether Input is reported.
		HasInput bool
		// Chunk is the streamed chunk of RunStreamed events.
		Chunk any
		// Token is the raw text token when the chunk was produced from a
		// text token (see IsToken).
		Token string
		// IsToken records whether the chunk originates from a text token.
		IsToken bool
		// Output is the final output of RunEnded events.
		Output any
		// Err is the failure of RunEnded events for failed runs.
		Err error
		// Timestamp records when the event was published.
		Timestamp time.Time
	}
)

// Name returns the event name "on_<kind>_<phase>".
func (e Event) Name() string {
	return EventName(e.Run.Kind, e.Type)
}

// EventName formats the event name for the given run kind and phase.
func EventName(kind run.Kind, phase EventType) string {
	return "on_" + string(kind) + "_" + string(phase)
}

// ErrorMessage returns the failure message of the event, or the empty string.
func (e Event) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
