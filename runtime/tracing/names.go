package tracing

import (
	"goa.design/runtrace/runtime/run"
	"goa.design/runtrace/runtime/schema"
)

// UnnamedRun is the name of runs for which no name can be resolved.
const UnnamedRun = "Unnamed"

// ResolveName picks the run name: the explicit name, else the "name" field
// of the serialized descriptor, else the last element of its "id" path, else
// UnnamedRun.
func ResolveName(explicit string, serialized map[string]any) string {
	if explicit != "" {
		return explicit
	}
	if name, ok := serialized["name"].(string); ok && name != "" {
		return name
	}
	switch id := serialized["id"].(type) {
	case []string:
		if len(id) > 0 && id[len(id)-1] != "" {
			return id[len(id)-1]
		}
	case []any:
		if len(id) > 0 {
			if last, ok := id[len(id)-1].(string); ok && last != "" {
				return last
			}
		}
	}
	return UnnamedRun
}

// IsTrivialInput reports whether v carries no information worth reporting:
// nil, an empty map or a {"input": ""} placeholder.
func IsTrivialInput(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case map[string]any:
		if len(x) == 0 {
			return true
		}
		if len(x) == 1 {
			if s, ok := x["input"].(string); ok && s == "" {
				return true
			}
		}
	case map[string]string:
		s, ok := x["input"]
		return len(x) == 0 || (len(x) == 1 && ok && s == "")
	}
	return false
}

// TokenChunk wraps a bare text token in the chunk shape of the run kind:
// an AI message chunk for chat models, a generation chunk for text models
// and the token itself for any other kind.
func TokenChunk(kind run.Kind, token string) any {
	switch kind {
	case run.KindChatModel:
		return schema.Message{Type: schema.TypeAI, Chunk: true, Content: token}
	case run.KindLLM:
		return schema.Generation{Text: token, Chunk: true}
	}
	return token
}
