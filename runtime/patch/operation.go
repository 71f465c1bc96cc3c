// Package patch implements RFC 6902 JSON Patch over generic document trees.
//
// Documents are trees of map[string]any, []any and JSON scalars (string,
// bool, float64 or other numeric kinds, json.Number, nil). Operations are
// applied strictly left to right; every failure is reported as an *Error that
// carries the failing operation, its index and a snapshot of the document.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Op is the operation kind.
	Op string

	// Operation is a single patch instruction. Path and From are JSON
	// pointers (RFC 6901); the empty pointer addresses the whole document.
	//
	// Value is Undefined when the operation carries no value. A nil Value is
	// the JSON null value.
	Operation struct {
		// Op is the operation kind.
		Op Op
		// Path is the target pointer.
		Path string
		// From is the source pointer of move and copy operations.
		From string
		// Value is the operand of add, replace and test operations.
		Value any

		// fromSet records an explicit empty From (the root pointer).
		fromSet bool
	}

	// undefined is the type of Undefined.
	undefined struct{}

	wireOperation struct {
		Op   Op      `json:"op"`
		Path string  `json:"path"`
		From *string `json:"from,omitempty"`
	}

	wireValueOperation struct {
		wireOperation
		Value any `json:"value"`
	}
)

// Operation kinds.
const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpMove    Op = "move"
	OpCopy    Op = "copy"
	OpTest    Op = "test"
)

// Undefined marks an absent value. Validation rejects operations whose value
// is, or contains, Undefined.
var Undefined = undefined{}

// Valid reports whether o is one of the six RFC 6902 operation kinds.
func (o Op) Valid() bool {
	switch o {
	case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
		return true
	}
	return false
}

// Add returns an add operation.
func Add(path string, value any) Operation {
	return Operation{Op: OpAdd, Path: path, Value: value}
}

// Remove returns a remove operation.
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: path, Value: Undefined}
}

// Replace returns a replace operation.
func Replace(path string, value any) Operation {
	return Operation{Op: OpReplace, Path: path, Value: value}
}

// Move returns a move operation.
func Move(from, path string) Operation {
	return Operation{Op: OpMove, Path: path, From: from, Value: Undefined, fromSet: true}
}

// Copy returns a copy operation.
func Copy(from, path string) Operation {
	return Operation{Op: OpCopy, Path: path, From: from, Value: Undefined, fromSet: true}
}

// Test returns a test operation.
func Test(path string, value any) Operation {
	return Operation{Op: OpTest, Path: path, Value: value}
}

// HasFrom reports whether the operation carries a from pointer.
func (o Operation) HasFrom() bool {
	return o.fromSet || o.From != ""
}

// HasValue reports whether the operation carries a value.
func (o Operation) HasValue() bool {
	return o.Value != Undefined
}

func (o Operation) takesValue() bool {
	return o.Op == OpAdd || o.Op == OpReplace || o.Op == OpTest
}

// String renders the operation for diagnostics.
func (o Operation) String() string {
	if o.HasFrom() {
		return fmt.Sprintf("%s %q from %q", o.Op, o.Path, o.From)
	}
	return fmt.Sprintf("%s %q", o.Op, o.Path)
}

// MarshalJSON encodes the operation as {op, path, from?, value?}.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Op: o.Op, Path: o.Path}
	if o.Op == OpMove || o.Op == OpCopy || o.HasFrom() {
		from := o.From
		w.From = &from
	}
	if !o.takesValue() || !o.HasValue() {
		return json.Marshal(w)
	}
	return json.Marshal(wireValueOperation{wireOperation: w, Value: o.Value})
}

// UnmarshalJSON decodes a wire operation. An absent value decodes to
// Undefined.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := parseOperation(raw, 0)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// DecodeOperations decodes a JSON array of operations.
func DecodeOperations(data []byte) ([]Operation, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return ParseOperations(raw)
}

// ParseOperations converts an untyped decoded sequence (as produced by
// encoding/json into an any) into operations.
func ParseOperations(raw any) ([]Operation, error) {
	seq, ok := raw.([]any)
	if !ok {
		return nil, newError(CodeSequenceNotAnArray, "patch sequence must be an array", 0, Operation{}, nil)
	}
	ops := make([]Operation, 0, len(seq))
	for i, item := range seq {
		op, err := parseOperation(item, i)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func parseOperation(raw any, index int) (Operation, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Operation{}, newError(CodeNotAnObject, "operation is not an object", index, Operation{}, nil)
	}
	op := Operation{Value: Undefined}
	kind, ok := m["op"].(string)
	if !ok {
		return Operation{}, newError(CodeOpInvalid, "operation `op` property is not one of operations defined in RFC-6902", index, op, nil)
	}
	op.Op = Op(kind)
	path, ok := m["path"].(string)
	if !ok {
		return Operation{}, newError(CodePathInvalid, "operation `path` property is not a string", index, op, nil)
	}
	op.Path = path
	if from, ok := m["from"].(string); ok {
		op.From = from
		op.fromSet = true
	}
	if v, ok := m["value"]; ok {
		op.Value = v
	}
	return op, nil
}

// MarshalJSON refuses to encode Undefined.
func (undefined) MarshalJSON() ([]byte, error) {
	return nil, errors.New("patch: undefined value cannot be encoded")
}
