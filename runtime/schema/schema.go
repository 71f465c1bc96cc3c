// Package schema defines the domain values exchanged with remote runnables
// (messages, documents, prompt values, generations) together with the table
// driven "revive" step that reconstructs them from decoded JSON and the
// outbound serializer that flattens them again.
package schema

import (
	"encoding/json"
	"maps"
)

type (
	// MessageType is the message discriminator: human, ai, system, generic,
	// function or tool.
	MessageType string

	// Message is a chat message or message chunk.
	Message struct {
		// Type is the message discriminator.
		Type MessageType
		// Chunk marks partial messages produced while streaming. Chunks of
		// the same Type combine (see package chunk).
		Chunk bool
		// Content is either a string or a list of content parts.
		Content any
		// AdditionalKwargs carries provider specific fields.
		AdditionalKwargs map[string]any
		// ResponseMetadata carries provider response fields.
		ResponseMetadata map[string]any
		// Name optionally names the author (function messages require it).
		Name string
		// ID is the provider message id.
		ID string
		// Role is the speaker role of generic messages.
		Role string
		// ToolCallID correlates tool messages with the call they answer.
		ToolCallID string
		// ToolCallChunks holds streamed tool call fragments of AI chunks.
		ToolCallChunks []ToolCallChunk
		// UsageMetadata reports token usage of AI messages.
		UsageMetadata *Usage
	}

	// ToolCallChunk is a fragment of a tool call streamed by a model. Chunks
	// with the same Index belong to the same call.
	ToolCallChunk struct {
		Name  string `json:"name,omitempty"`
		Args  string `json:"args,omitempty"`
		ID    string `json:"id,omitempty"`
		Index *int   `json:"index,omitempty"`
	}

	// Usage records token counts.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// Document is a retrieved document.
	Document struct {
		PageContent string
		Metadata    map[string]any
		ID          string
	}

	// ChatPromptValue is a formatted chat prompt.
	ChatPromptValue struct {
		Messages []Message
	}

	// StringPromptValue is a formatted text prompt.
	StringPromptValue struct {
		Text string
	}

	// Generation is a model generation. Chat generations carry a Message;
	// chunks are combinable partial generations.
	Generation struct {
		Text           string
		GenerationInfo map[string]any
		Message        *Message
		Chunk          bool
	}

	// AgentAction is a tool invocation decided by an agent.
	AgentAction struct {
		Tool      string
		ToolInput any
		Log       string
	}

	// AgentFinish is the final answer of an agent.
	AgentFinish struct {
		ReturnValues map[string]any
		Log          string
	}
)

// Message types.
const (
	TypeHuman    MessageType = "human"
	TypeAI       MessageType = "ai"
	TypeSystem   MessageType = "system"
	TypeGeneric  MessageType = "generic"
	TypeFunction MessageType = "function"
	TypeTool     MessageType = "tool"
)

// classNames maps message types to the class names used on the wire for
// full messages ("HumanMessage") and chunks ("HumanMessageChunk").
var classNames = map[MessageType]string{
	TypeHuman:    "HumanMessage",
	TypeAI:       "AIMessage",
	TypeSystem:   "SystemMessage",
	TypeGeneric:  "ChatMessage",
	TypeFunction: "FunctionMessage",
	TypeTool:     "ToolMessage",
}

// ParseMessageType resolves a wire discriminator: either a short type
// ("ai"), a class name ("AIMessage") or a chunk class name
// ("AIMessageChunk").
func ParseMessageType(s string) (t MessageType, chunk bool, ok bool) {
	for typ, class := range classNames {
		switch s {
		case string(typ), class:
			return typ, false, true
		case class + "Chunk":
			return typ, true, true
		}
	}
	return "", false, false
}

// WireType returns the discriminator used when encoding m: the chunk class
// name for chunks ("AIMessageChunk") and the short type otherwise.
func (m Message) WireType() string {
	if m.Chunk {
		return classNames[m.Type] + "Chunk"
	}
	return string(m.Type)
}

// Text returns the string content of m, concatenating the text parts of list
// content.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []any:
		var s string
		for _, part := range c {
			switch p := part.(type) {
			case string:
				s += p
			case map[string]any:
				if p["type"] == "text" {
					if t, ok := p["text"].(string); ok {
						s += t
					}
				}
			}
		}
		return s
	}
	return ""
}

// Map returns the wire representation of m.
func (m Message) Map() map[string]any {
	out := map[string]any{
		"content":           contentOrEmpty(m.Content),
		"type":              m.WireType(),
		"additional_kwargs": mapOrEmpty(m.AdditionalKwargs),
	}
	if m.ResponseMetadata != nil {
		out["response_metadata"] = maps.Clone(m.ResponseMetadata)
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	switch m.Type {
	case TypeGeneric:
		out["role"] = m.Role
	case TypeTool:
		out["tool_call_id"] = m.ToolCallID
	}
	if len(m.ToolCallChunks) > 0 {
		chunks := make([]any, len(m.ToolCallChunks))
		for i, c := range m.ToolCallChunks {
			chunks[i] = c.Map()
		}
		out["tool_call_chunks"] = chunks
	}
	if m.UsageMetadata != nil {
		out["usage_metadata"] = m.UsageMetadata.Map()
	}
	return out
}

// MarshalJSON encodes m with Map.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

// Map returns the wire representation of c.
func (c ToolCallChunk) Map() map[string]any {
	out := map[string]any{}
	if c.Name != "" {
		out["name"] = c.Name
	}
	if c.Args != "" {
		out["args"] = c.Args
	}
	if c.ID != "" {
		out["id"] = c.ID
	}
	if c.Index != nil {
		out["index"] = float64(*c.Index)
	}
	return out
}

// Map returns the wire representation of u.
func (u Usage) Map() map[string]any {
	return map[string]any{
		"input_tokens":  float64(u.InputTokens),
		"output_tokens": float64(u.OutputTokens),
		"total_tokens":  float64(u.TotalTokens),
	}
}

// Map returns the wire representation of d.
func (d Document) Map() map[string]any {
	out := map[string]any{
		"page_content": d.PageContent,
		"metadata":     mapOrEmpty(d.Metadata),
		"type":         "Document",
	}
	if d.ID != "" {
		out["id"] = d.ID
	}
	return out
}

// MarshalJSON encodes d with Map.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}

// WireType returns "Generation", "GenerationChunk", "ChatGeneration" or
// "ChatGenerationChunk".
func (g Generation) WireType() string {
	t := "Generation"
	if g.Message != nil {
		t = "ChatGeneration"
	}
	if g.Chunk {
		t += "Chunk"
	}
	return t
}

// Map returns the wire representation of g.
func (g Generation) Map() map[string]any {
	out := map[string]any{
		"text":            g.Text,
		"generation_info": g.GenerationInfo,
		"type":            g.WireType(),
	}
	if g.Message != nil {
		out["message"] = g.Message.Map()
	}
	return out
}

// MarshalJSON encodes g with Map.
func (g Generation) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Map())
}

// MarshalJSON encodes p as {messages}.
func (p ChatPromptValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(Serialize(p))
}

// MarshalJSON encodes p as {text}.
func (p StringPromptValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"text": p.Text})
}

// MarshalJSON encodes a as {tool, tool_input, log, type}.
func (a AgentAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(Serialize(a))
}

// MarshalJSON encodes f as {return_values, log, type}.
func (f AgentFinish) MarshalJSON() ([]byte, error) {
	return json.Marshal(Serialize(f))
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

func contentOrEmpty(c any) any {
	if c == nil {
		return ""
	}
	return c
}
