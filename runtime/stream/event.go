// Package stream defines the discrete events delivered to observers of a run
// tree and the sinks that carry them.
//
// Stream events are the client-facing projection of hook events: the hooks
// bus carries full run snapshots, while a stream Event only carries what is
// sent on the wire ({event, name, run_id, tags, metadata, data}). The
// Subscriber in this package bridges the two, dropping events of the root
// run which represents the whole invocation.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/runtrace/runtime/hooks"
	"goa.design/runtrace/runtime/run"
)

type (
	// Event is an emitted record. Event names have the form
	// "on_<kind>_<phase>" with phase one of start, stream or end.
	Event struct {
		// Event is the event name.
		Event string
		// Name is the run name.
		Name string
		// RunID identifies the run. It is "run_id" on the wire.
		RunID string
		// Tags are the run tags.
		Tags []string
		// Metadata is the run metadata.
		Metadata map[string]any
		// Data is the phase specific payload.
		Data EventData
		// ParentIDs lists the ancestors of the run, root-most first. A nil
		// value is omitted from the wire (schema version v1); an empty
		// non-nil value is encoded as [] (v2 top-level runs).
		ParentIDs []string
	}

	// EventData is the phase specific payload of an Event: {input} for start
	// events, {chunk} for stream events and {output, input} or
	// {error, input} for end events. Each field is only encoded when its
	// presence flag is set so that an absent value and JSON null differ.
	EventData struct {
		// Input is the run input.
		Input any
		// HasInput records whether Input is present.
		HasInput bool
		// Chunk is the streamed chunk.
		Chunk any
		// HasChunk records whether Chunk is present.
		HasChunk bool
		// Output is the final output.
		Output any
		// HasOutput records whether Output is present.
		HasOutput bool
		// Error is the failure message of failed runs.
		Error string
	}

	wireEvent struct {
		Event     string         `json:"event"`
		Name      string         `json:"name"`
		RunID     string         `json:"run_id"`
		Tags      []string       `json:"tags"`
		Metadata  map[string]any `json:"metadata"`
		Data      EventData      `json:"data"`
		ParentIDs *[]string      `json:"parent_ids,omitempty"`
	}
)

// Kind returns the run kind encoded in the event name.
func (e Event) Kind() run.Kind {
	kind, _, _ := ParseName(e.Event)
	return kind
}

// Phase returns the lifecycle phase encoded in the event name.
func (e Event) Phase() hooks.EventType {
	_, phase, _ := ParseName(e.Event)
	return phase
}

// ParseName splits an "on_<kind>_<phase>" event name.
func ParseName(name string) (run.Kind, hooks.EventType, error) {
	rest, ok := strings.CutPrefix(name, "on_")
	if !ok {
		return "", "", fmt.Errorf("stream: invalid event name %q", name)
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", "", fmt.Errorf("stream: invalid event name %q", name)
	}
	phase := hooks.EventType(rest[i+1:])
	switch phase {
	case hooks.RunStarted, hooks.RunStreamed, hooks.RunEnded:
	default:
		return "", "", fmt.Errorf("stream: invalid event phase in %q", name)
	}
	return run.Kind(rest[:i]), phase, nil
}

// FromHook projects a hook event onto its wire representation.
func FromHook(evt hooks.Event) Event {
	out := Event{
		Event:     evt.Name(),
		Name:      evt.Run.Name,
		RunID:     evt.Run.ID,
		Tags:      evt.Run.Tags,
		Metadata:  evt.Run.Metadata,
		ParentIDs: evt.ParentIDs,
	}
	switch evt.Type {
	case hooks.RunStarted:
		out.Data = EventData{Input: evt.Input, HasInput: evt.HasInput}
	case hooks.RunStreamed:
		out.Data = EventData{Chunk: evt.Chunk, HasChunk: true}
	case hooks.RunEnded:
		out.Data = EventData{Input: evt.Input, HasInput: evt.HasInput}
		if evt.Err != nil {
			out.Data.Error = evt.Err.Error()
		} else {
			out.Data.Output, out.Data.HasOutput = evt.Output, true
		}
	}
	return out
}

// MarshalJSON encodes the event with its wire field names. Nil tags and
// metadata are encoded as empty values.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Event:    e.Event,
		Name:     e.Name,
		RunID:    e.RunID,
		Tags:     e.Tags,
		Metadata: e.Metadata,
		Data:     e.Data,
	}
	if w.Tags == nil {
		w.Tags = []string{}
	}
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	if e.ParentIDs != nil {
		ids := e.ParentIDs
		w.ParentIDs = &ids
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire representation.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Event:    w.Event,
		Name:     w.Name,
		RunID:    w.RunID,
		Tags:     w.Tags,
		Metadata: w.Metadata,
		Data:     w.Data,
	}
	if w.ParentIDs != nil {
		e.ParentIDs = *w.ParentIDs
		if e.ParentIDs == nil {
			e.ParentIDs = []string{}
		}
	}
	return nil
}

// MarshalJSON encodes the present fields only.
func (d EventData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 3)
	if d.HasInput {
		m["input"] = d.Input
	}
	if d.HasChunk {
		m["chunk"] = d.Chunk
	}
	if d.HasOutput {
		m["output"] = d.Output
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the payload, recording which fields were present.
func (d *EventData) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*d = EventData{}
	d.Input, d.HasInput = m["input"]
	d.Chunk, d.HasChunk = m["chunk"]
	d.Output, d.HasOutput = m["output"]
	if msg, ok := m["error"].(string); ok {
		d.Error = msg
	}
	return nil
}
