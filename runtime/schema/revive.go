package schema

type (
	// Rule is one entry of the revive table. A rule applies to a decoded
	// object when its keys are a superset of Keys and Build succeeds; Build
	// returns false to let the next rule try.
	Rule struct {
		// Name identifies the rule in diagnostics.
		Name string
		// Keys lists the keys the object must contain.
		Keys []string
		// Build constructs the domain value. Nested values may be revived
		// with r.
		Build func(r *Reviver, obj map[string]any) (any, bool)
	}

	// Reviver reconstructs typed domain values from decoded JSON by
	// evaluating an ordered table of rules top to bottom. Objects no rule
	// accepts are walked field by field; every other value is returned
	// unchanged. Reviving never fails.
	Reviver struct {
		rules []Rule
	}
)

// DefaultRules returns the built-in revive table in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "document", Keys: []string{"page_content", "metadata"}, Build: buildDocument},
		{Name: "message", Keys: []string{"content", "type", "additional_kwargs"}, Build: buildMessage},
		{Name: "generation", Keys: []string{"text", "generation_info", "type"}, Build: buildGeneration},
		{Name: "agent_action", Keys: []string{"tool", "tool_input", "log", "type"}, Build: buildAgentAction},
		{Name: "agent_finish", Keys: []string{"return_values", "log", "type"}, Build: buildAgentFinish},
		{Name: "chat_prompt_value", Keys: []string{"messages"}, Build: buildChatPromptValue},
		{Name: "string_prompt_value", Keys: []string{"text"}, Build: buildStringPromptValue},
	}
}

// NewReviver returns a reviver whose table is extra followed by the default
// rules, so extra rules take precedence.
func NewReviver(extra ...Rule) *Reviver {
	rules := make([]Rule, 0, len(extra)+7)
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules()...)
	return &Reviver{rules: rules}
}

var defaultReviver = NewReviver()

// Revive revives v with the default table.
func Revive(v any) any {
	return defaultReviver.Revive(v)
}

// Revive reconstructs domain values in v.
func (r *Reviver) Revive(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = r.Revive(e)
		}
		return out
	case map[string]any:
		if x == nil {
			return x
		}
		for _, rule := range r.rules {
			if !hasKeys(x, rule.Keys) {
				continue
			}
			if built, ok := rule.Build(r, x); ok {
				return built
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = r.Revive(e)
		}
		return out
	}
	return v
}

func hasKeys(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}

func buildDocument(_ *Reviver, obj map[string]any) (any, bool) {
	content, ok := obj["page_content"].(string)
	if !ok {
		return nil, false
	}
	meta, _ := obj["metadata"].(map[string]any)
	id, _ := obj["id"].(string)
	return Document{PageContent: content, Metadata: meta, ID: id}, true
}

func buildMessage(_ *Reviver, obj map[string]any) (any, bool) {
	m, ok := MessageFromMap(obj)
	if !ok {
		return nil, false
	}
	return m, true
}

// MessageFromMap decodes a message from its wire map. It returns false when
// the type discriminator is not recognized.
func MessageFromMap(obj map[string]any) (Message, bool) {
	disc, _ := obj["type"].(string)
	typ, chunk, ok := ParseMessageType(disc)
	if !ok {
		return Message{}, false
	}
	m := Message{Type: typ, Chunk: chunk, Content: obj["content"]}
	m.AdditionalKwargs, _ = obj["additional_kwargs"].(map[string]any)
	m.ResponseMetadata, _ = obj["response_metadata"].(map[string]any)
	m.Name, _ = obj["name"].(string)
	m.ID, _ = obj["id"].(string)
	m.Role, _ = obj["role"].(string)
	m.ToolCallID, _ = obj["tool_call_id"].(string)
	if raw, ok := obj["tool_call_chunks"].([]any); ok {
		for _, item := range raw {
			if c, ok := item.(map[string]any); ok {
				m.ToolCallChunks = append(m.ToolCallChunks, ToolCallChunkFromMap(c))
			}
		}
	}
	if u, ok := obj["usage_metadata"].(map[string]any); ok {
		usage := UsageFromMap(u)
		m.UsageMetadata = &usage
	}
	return m, true
}

// ToolCallChunkFromMap decodes a tool call chunk.
func ToolCallChunkFromMap(obj map[string]any) ToolCallChunk {
	var c ToolCallChunk
	c.Name, _ = obj["name"].(string)
	c.Args, _ = obj["args"].(string)
	c.ID, _ = obj["id"].(string)
	if idx, ok := toInt(obj["index"]); ok {
		c.Index = &idx
	}
	return c
}

// UsageFromMap decodes token usage.
func UsageFromMap(obj map[string]any) Usage {
	in, _ := toInt(obj["input_tokens"])
	out, _ := toInt(obj["output_tokens"])
	total, _ := toInt(obj["total_tokens"])
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
}

func buildGeneration(r *Reviver, obj map[string]any) (any, bool) {
	text, _ := obj["text"].(string)
	info, _ := obj["generation_info"].(map[string]any)
	g := Generation{Text: text, GenerationInfo: info}
	switch obj["type"] {
	case "ChatGenerationChunk", "ChatGeneration":
		raw, ok := obj["message"].(map[string]any)
		if !ok {
			return nil, false
		}
		m, ok := MessageFromMap(raw)
		if !ok {
			return nil, false
		}
		g.Message = &m
		g.Chunk = obj["type"] == "ChatGenerationChunk"
	case "GenerationChunk":
		g.Chunk = true
	}
	return g, true
}

func buildAgentAction(r *Reviver, obj map[string]any) (any, bool) {
	if obj["type"] != "AgentAction" {
		return nil, false
	}
	tool, _ := obj["tool"].(string)
	log, _ := obj["log"].(string)
	return AgentAction{Tool: tool, ToolInput: r.Revive(obj["tool_input"]), Log: log}, true
}

func buildAgentFinish(r *Reviver, obj map[string]any) (any, bool) {
	if obj["type"] != "AgentFinish" {
		return nil, false
	}
	values, _ := r.Revive(obj["return_values"]).(map[string]any)
	log, _ := obj["log"].(string)
	return AgentFinish{ReturnValues: values, Log: log}, true
}

func buildChatPromptValue(r *Reviver, obj map[string]any) (any, bool) {
	raw, ok := obj["messages"].([]any)
	if !ok {
		return nil, false
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, ok := r.Revive(item).(Message)
		if !ok {
			return nil, false
		}
		msgs = append(msgs, m)
	}
	return ChatPromptValue{Messages: msgs}, true
}

func buildStringPromptValue(_ *Reviver, obj map[string]any) (any, bool) {
	text, ok := obj["text"].(string)
	if !ok {
		return nil, false
	}
	return StringPromptValue{Text: text}, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
