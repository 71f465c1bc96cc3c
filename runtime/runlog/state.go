package runlog

type (
	// State is the typed view of a log document.
	State struct {
		// ID is the root run id.
		ID string
		// Name is the root run name.
		Name string
		// Type is the root run kind.
		Type string
		// StreamedOutput lists the chunks streamed by the root run.
		StreamedOutput []any
		// FinalOutput is the root run output, nil until it ends.
		FinalOutput any
		// Error is the root run failure message, if any.
		Error string
		// Logs maps entry keys to nested runs.
		Logs map[string]Entry
	}

	// Entry is the typed view of one nested run.
	Entry struct {
		// ID is the run id.
		ID string
		// Name is the run name.
		Name string
		// Type is the run kind.
		Type string
		// Tags are the run tags.
		Tags []string
		// Metadata carries the run metadata.
		Metadata map[string]any
		// StartTime is the RFC 3339 start time.
		StartTime string
		// EndTime is the RFC 3339 end time, empty while the run is active.
		EndTime string
		// StreamedOutput lists the streamed chunks.
		StreamedOutput []any
		// StreamedOutputStr lists the streamed text tokens.
		StreamedOutputStr []string
		// FinalOutput is the run output.
		FinalOutput any
		// Inputs is the run input. Only meaningful when HasInputs is set.
		Inputs any
		// HasInputs records whether the entry carries inputs.
		HasInputs bool
		// Error is the failure message of failed runs.
		Error string
	}
)

// Ended reports whether the entry run has ended.
func (e Entry) Ended() bool { return e.EndTime != "" }

func stateFromMap(m map[string]any) State {
	s := State{
		ID:             str(m["id"]),
		Name:           str(m["name"]),
		Type:           str(m["type"]),
		StreamedOutput: list(m["streamed_output"]),
		FinalOutput:    m["final_output"],
		Error:          str(m["error"]),
	}
	if logs, ok := m["logs"].(map[string]any); ok {
		s.Logs = make(map[string]Entry, len(logs))
		for k, v := range logs {
			if em, ok := v.(map[string]any); ok {
				s.Logs[k] = entryFromMap(em)
			}
		}
	}
	return s
}

func entryFromMap(m map[string]any) Entry {
	e := Entry{
		ID:                str(m["id"]),
		Name:              str(m["name"]),
		Type:              str(m["type"]),
		Tags:              strings(m["tags"]),
		StartTime:         str(m["start_time"]),
		EndTime:           str(m["end_time"]),
		StreamedOutput:    list(m["streamed_output"]),
		StreamedOutputStr: strings(m["streamed_output_str"]),
		FinalOutput:       m["final_output"],
		Error:             str(m["error"]),
	}
	e.Metadata, _ = m["metadata"].(map[string]any)
	e.Inputs, e.HasInputs = m["inputs"]
	return e
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

func strings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
