// Package chunk combines partial values streamed by runs.
//
// Combine is associative and order sensitive: folding a chunk sequence left
// to right yields the same value regardless of how the sequence was batched,
// but "a then b" generally differs from "b then a". Supported variants:
//
//   - text (string): concatenation
//   - schema.Message chunks of the same type: content concatenation,
//     key-wise merge of additional kwargs and response metadata, tool call
//     chunks merged by index, usage summed, first non-empty id kept
//   - schema.Generation chunks: text concatenation, info merged, messages
//     combined
//   - schema.ToolCallChunk with the same index: field-wise concatenation
//   - schema.Usage: counters summed
//   - maps: key-wise, shared keys combined recursively
//   - lists: concatenation
//   - numbers: sum
//
// Any other pair yields a *CombineError.
package chunk

import (
	"fmt"
	"maps"
	"slices"

	"goa.design/runtrace/runtime/schema"
)

// CombineError reports two chunks that cannot be combined.
type CombineError struct {
	// Left and Right describe the incompatible values.
	Left, Right string
	// Reason details the incompatibility.
	Reason string
}

// Error implements error.
func (e *CombineError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chunk: cannot combine %s with %s: %s", e.Left, e.Right, e.Reason)
	}
	return fmt.Sprintf("chunk: cannot combine %s with %s", e.Left, e.Right)
}

func incompatible(a, b any, reason string) error {
	return &CombineError{Left: describe(a), Right: describe(b), Reason: reason}
}

func describe(v any) string {
	switch x := v.(type) {
	case schema.Message:
		return "message " + x.WireType()
	case schema.Generation:
		return "generation " + x.WireType()
	}
	return fmt.Sprintf("%T", v)
}

// Combine returns the chunk representing a followed by b. A nil chunk is
// the identity.
func Combine(a, b any) (any, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return x + y, nil
		}
	case schema.Message:
		if y, ok := b.(schema.Message); ok {
			return combineMessages(x, y)
		}
	case schema.Generation:
		if y, ok := b.(schema.Generation); ok {
			return combineGenerations(x, y)
		}
	case schema.ToolCallChunk:
		if y, ok := b.(schema.ToolCallChunk); ok {
			if !sameIndex(x.Index, y.Index) {
				return nil, incompatible(a, b, "different tool call index")
			}
			return mergeToolCallChunk(x, y), nil
		}
	case schema.Usage:
		if y, ok := b.(schema.Usage); ok {
			return addUsage(x, y), nil
		}
	case map[string]any:
		if y, ok := b.(map[string]any); ok {
			return combineMaps(x, y)
		}
	case []any:
		if y, ok := b.([]any); ok {
			return slices.Concat(x, y), nil
		}
	}
	if sum, ok := addNumbers(a, b); ok {
		return sum, nil
	}
	return nil, incompatible(a, b, "")
}

func combineMessages(a, b schema.Message) (any, error) {
	if !a.Chunk || !b.Chunk {
		return nil, incompatible(a, b, "only message chunks combine")
	}
	if a.Type != b.Type {
		return nil, incompatible(a, b, "different message types")
	}
	if a.Role != "" && b.Role != "" && a.Role != b.Role {
		return nil, incompatible(a, b, "different roles")
	}
	if a.ToolCallID != "" && b.ToolCallID != "" && a.ToolCallID != b.ToolCallID {
		return nil, incompatible(a, b, "different tool call ids")
	}
	kwargs, err := mergeDicts(a.AdditionalKwargs, b.AdditionalKwargs)
	if err != nil {
		return nil, err
	}
	meta, err := mergeDicts(a.ResponseMetadata, b.ResponseMetadata)
	if err != nil {
		return nil, err
	}
	out := schema.Message{
		Type:             a.Type,
		Chunk:            true,
		Content:          mergeContent(a.Content, b.Content),
		AdditionalKwargs: kwargs,
		ResponseMetadata: meta,
		Name:             firstNonEmpty(a.Name, b.Name),
		ID:               firstNonEmpty(a.ID, b.ID),
		Role:             firstNonEmpty(a.Role, b.Role),
		ToolCallID:       firstNonEmpty(a.ToolCallID, b.ToolCallID),
		ToolCallChunks:   mergeToolCallChunks(a.ToolCallChunks, b.ToolCallChunks),
	}
	switch {
	case a.UsageMetadata != nil && b.UsageMetadata != nil:
		u := addUsage(*a.UsageMetadata, *b.UsageMetadata)
		out.UsageMetadata = &u
	case a.UsageMetadata != nil:
		u := *a.UsageMetadata
		out.UsageMetadata = &u
	case b.UsageMetadata != nil:
		u := *b.UsageMetadata
		out.UsageMetadata = &u
	}
	return out, nil
}

func combineGenerations(a, b schema.Generation) (any, error) {
	if !a.Chunk || !b.Chunk {
		return nil, incompatible(a, b, "only generation chunks combine")
	}
	if (a.Message == nil) != (b.Message == nil) {
		return nil, incompatible(a, b, "chat and text generations do not combine")
	}
	info, err := mergeDicts(a.GenerationInfo, b.GenerationInfo)
	if err != nil {
		return nil, err
	}
	out := schema.Generation{Text: a.Text + b.Text, GenerationInfo: info, Chunk: true}
	if a.Message != nil {
		m, err := combineMessages(*a.Message, *b.Message)
		if err != nil {
			return nil, err
		}
		msg := m.(schema.Message)
		out.Message = &msg
	}
	return out, nil
}

// mergeContent concatenates string contents. When either side is a list of
// content parts, string sides become a text part and the lists are
// concatenated, joining the text parts that meet at the boundary.
func mergeContent(a, b any) any {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	sa, aIsString := a.(string)
	sb, bIsString := b.(string)
	if aIsString && bIsString {
		return sa + sb
	}
	left, right := contentParts(a), contentParts(b)
	if len(left) > 0 && len(right) > 0 {
		lt, lok := textPart(left[len(left)-1])
		rt, rok := textPart(right[0])
		if lok && rok {
			joined := map[string]any{"type": "text", "text": lt + rt}
			return slices.Concat(left[:len(left)-1], []any{joined}, right[1:])
		}
	}
	return slices.Concat(left, right)
}

// textPart returns the text of a plain {"type": "text", "text": ...} part.
func textPart(p any) (string, bool) {
	m, ok := p.(map[string]any)
	if !ok || len(m) != 2 || m["type"] != "text" {
		return "", false
	}
	text, ok := m["text"].(string)
	return text, ok
}

func contentParts(c any) []any {
	switch x := c.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []any{map[string]any{"type": "text", "text": x}}
	case []any:
		return x
	}
	return []any{c}
}

// mergeDicts merges b into a copy of a: new keys are added, strings are
// concatenated, maps merged recursively, lists concatenated and equal values
// kept. Any other collision is an error.
func mergeDicts(a, b map[string]any) (map[string]any, error) {
	if a == nil && b == nil {
		return nil, nil
	}
	out := maps.Clone(a)
	if out == nil {
		out = make(map[string]any, len(b))
	}
	for k, bv := range b {
		av, ok := out[k]
		if !ok || av == nil {
			out[k] = bv
			continue
		}
		if bv == nil {
			continue
		}
		switch x := av.(type) {
		case string:
			y, ok := bv.(string)
			if !ok {
				return nil, incompatible(av, bv, fmt.Sprintf("key %q has mismatched types", k))
			}
			out[k] = x + y
		case map[string]any:
			y, ok := bv.(map[string]any)
			if !ok {
				return nil, incompatible(av, bv, fmt.Sprintf("key %q has mismatched types", k))
			}
			merged, err := mergeDicts(x, y)
			if err != nil {
				return nil, err
			}
			out[k] = merged
		case []any:
			y, ok := bv.([]any)
			if !ok {
				return nil, incompatible(av, bv, fmt.Sprintf("key %q has mismatched types", k))
			}
			out[k] = slices.Concat(x, y)
		default:
			if fmt.Sprint(av) != fmt.Sprint(bv) {
				return nil, incompatible(av, bv, fmt.Sprintf("key %q already set", k))
			}
		}
	}
	return out, nil
}

// mergeToolCallChunks appends b to a, merging chunks whose index matches an
// existing chunk.
func mergeToolCallChunks(a, b []schema.ToolCallChunk) []schema.ToolCallChunk {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := slices.Clone(a)
	for _, c := range b {
		merged := false
		if c.Index != nil {
			for i := range out {
				if out[i].Index != nil && *out[i].Index == *c.Index {
					out[i] = mergeToolCallChunk(out[i], c)
					merged = true
					break
				}
			}
		}
		if !merged {
			out = append(out, c)
		}
	}
	return out
}

func mergeToolCallChunk(a, b schema.ToolCallChunk) schema.ToolCallChunk {
	out := schema.ToolCallChunk{
		Name:  a.Name + b.Name,
		Args:  a.Args + b.Args,
		ID:    a.ID + b.ID,
		Index: a.Index,
	}
	if out.Index == nil {
		out.Index = b.Index
	}
	return out
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func addUsage(a, b schema.Usage) schema.Usage {
	return schema.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
	}
}

func combineMaps(a, b map[string]any) (any, error) {
	out := maps.Clone(a)
	for k, bv := range b {
		av, ok := out[k]
		if !ok {
			out[k] = bv
			continue
		}
		v, err := Combine(av, bv)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func addNumbers(a, b any) (any, bool) {
	if x, ok := a.(int); ok {
		if y, ok := b.(int); ok {
			return x + y, true
		}
	}
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			return x + y, true
		}
	}
	x, ok := toFloat(a)
	if !ok {
		return nil, false
	}
	y, ok := toFloat(b)
	if !ok {
		return nil, false
	}
	return x + y, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
