package schema

// Serialize prepares v for the wire. Messages are flattened to {content,
// type, additional_kwargs, name, ...} with their short type discriminator,
// other domain values to their wire maps; maps and lists are walked
// recursively and every other value is returned unchanged. Cycles are not
// detected.
func Serialize(v any) any {
	switch x := v.(type) {
	case Message:
		m := x.Map()
		m["type"] = string(x.Type)
		return m
	case *Message:
		if x == nil {
			return nil
		}
		return Serialize(*x)
	case []Message:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = Serialize(m)
		}
		return out
	case Document:
		return x.Map()
	case []Document:
		out := make([]any, len(x))
		for i, d := range x {
			out[i] = d.Map()
		}
		return out
	case ChatPromptValue:
		return map[string]any{"messages": Serialize(x.Messages)}
	case StringPromptValue:
		return map[string]any{"text": x.Text}
	case Generation:
		return x.Map()
	case AgentAction:
		return map[string]any{
			"tool":       x.Tool,
			"tool_input": Serialize(x.ToolInput),
			"log":        x.Log,
			"type":       "AgentAction",
		}
	case AgentFinish:
		return map[string]any{
			"return_values": Serialize(x.ReturnValues),
			"log":           x.Log,
			"type":          "AgentFinish",
		}
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Serialize(e)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Serialize(e)
		}
		return out
	}
	return v
}
