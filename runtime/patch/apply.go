package patch

import (
	"errors"
	"strings"
)

type (
	// Option configures Apply and ApplyPatch.
	Option func(*options)

	options struct {
		validate     bool
		mutate       bool
		banPrototype bool
		index        int
	}

	// OperationResult is the outcome of a single operation.
	OperationResult struct {
		// NewDocument is the document after the operation.
		NewDocument any
		// Removed is the value removed or replaced by remove, replace and
		// move operations, Undefined otherwise.
		Removed any
		// Test is set for test operations. It is always true: failed tests
		// are reported as errors.
		Test *bool
	}

	// Result is the outcome of ApplyPatch.
	Result struct {
		// Document is the final document.
		Document any
		// Steps holds the per operation results in application order.
		Steps []OperationResult
	}

	// walker applies one non-root operation by descending the document.
	walker struct {
		op     Operation
		opts   options
		root   any
		tokens []string
		// existing is the longest existing prefix of the path, computed the
		// first time the walk meets a missing segment or the final segment.
		existing    string
		existingSet bool
	}
)

// WithValidation enables operation and structural validation.
func WithValidation() Option {
	return func(o *options) { o.validate = true }
}

// WithoutMutation applies operations to a deep copy of the document so the
// caller's document is left untouched.
func WithoutMutation() Option {
	return func(o *options) { o.mutate = false }
}

// AllowPrototypePaths disables the refusal of "__proto__" and
// "constructor/prototype" segments.
func AllowPrototypePaths() Option {
	return func(o *options) { o.banPrototype = false }
}

func newOptions(opts []Option) options {
	o := options{mutate: true, banPrototype: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Apply applies a single operation to doc. Unless WithoutMutation is given,
// maps and lists of doc may be modified in place; callers must always use
// the returned NewDocument.
func Apply(doc any, op Operation, opts ...Option) (OperationResult, error) {
	return apply(doc, op, newOptions(opts))
}

// ApplyPatch applies ops to doc strictly left to right, feeding each result
// into the next operation. On failure the returned Result holds the steps
// that succeeded.
func ApplyPatch(doc any, ops []Operation, opts ...Option) (Result, error) {
	o := newOptions(opts)
	if !o.mutate {
		doc = DeepClone(doc)
		o.mutate = true
	}
	steps := make([]OperationResult, 0, len(ops))
	for i, op := range ops {
		o.index = i
		res, err := apply(doc, op, o)
		if err != nil {
			return Result{Document: doc, Steps: steps}, err
		}
		steps = append(steps, res)
		doc = res.NewDocument
	}
	return Result{Document: doc, Steps: steps}, nil
}

// Validate reports the first validation error of ops against doc without
// modifying doc.
func Validate(ops []Operation, doc any) error {
	_, err := ApplyPatch(doc, ops, WithValidation(), WithoutMutation())
	return err
}

func apply(doc any, op Operation, o options) (OperationResult, error) {
	if o.validate {
		if err := validateOperation(op, o.index, nil, "", false); err != nil {
			return OperationResult{}, err
		}
	}
	if !op.Op.Valid() {
		return OperationResult{}, newError(CodeOpInvalid, "operation `op` property is not one of operations defined in RFC-6902", o.index, op, doc)
	}
	if op.Path == "" {
		return applyRoot(doc, op, o)
	}
	if !strings.HasPrefix(op.Path, "/") {
		return OperationResult{}, newError(CodePathInvalid, "operation `path` property is not a valid pointer", o.index, op, doc)
	}
	if !o.mutate {
		doc = DeepClone(doc)
	}
	w := &walker{op: op, opts: o, root: doc, tokens: rawTokens(op.Path)}
	newDoc, res, err := w.step(doc, 0)
	if err != nil {
		return OperationResult{}, err
	}
	switch op.Op {
	case OpMove:
		return w.move(newDoc)
	case OpCopy:
		return w.copy(newDoc)
	}
	res.NewDocument = newDoc
	return res, nil
}

func applyRoot(doc any, op Operation, o options) (OperationResult, error) {
	switch op.Op {
	case OpAdd:
		return OperationResult{NewDocument: DeepClone(op.Value), Removed: Undefined}, nil
	case OpReplace:
		return OperationResult{NewDocument: DeepClone(op.Value), Removed: doc}, nil
	case OpRemove:
		return OperationResult{NewDocument: nil, Removed: doc}, nil
	case OpMove, OpCopy:
		v, err := Get(doc, op.From)
		if err != nil {
			return OperationResult{}, newError(CodeFromUnresolvable, "cannot resolve from pointer "+op.From, o.index, op, doc)
		}
		if op.Op == OpMove {
			return OperationResult{NewDocument: v, Removed: doc}, nil
		}
		return OperationResult{NewDocument: DeepClone(v), Removed: Undefined}, nil
	default:
		if !DeepEqual(doc, op.Value) {
			return OperationResult{}, newError(CodeTestFailed, "test operation failed", o.index, op, doc)
		}
		passed := true
		return OperationResult{NewDocument: doc, Removed: Undefined, Test: &passed}, nil
	}
}

// step handles token t of the path inside node and returns the possibly
// reallocated node.
func (w *walker) step(node any, t int) (any, OperationResult, error) {
	key := Unescape(w.tokens[t])
	if w.opts.banPrototype {
		if key == "__proto__" || (key == "prototype" && t > 0 && Unescape(w.tokens[t-1]) == "constructor") {
			return nil, OperationResult{}, w.fail(CodePathPrototypeModification, "JSON-Patch: modifying `__proto__` or `constructor/prototype` prop is banned for security reasons")
		}
	}
	last := t == len(w.tokens)-1
	switch c := node.(type) {
	case map[string]any:
		child, exists := c[key]
		if err := w.observe(exists, t); err != nil {
			return nil, OperationResult{}, err
		}
		if last {
			res, err := w.applyToMap(c, key, child, exists)
			return c, res, err
		}
		if !exists || !isContainer(child) {
			return nil, OperationResult{}, w.unresolvable()
		}
		next, res, err := w.step(child, t+1)
		if err != nil {
			return nil, OperationResult{}, err
		}
		c[key] = next
		return c, res, nil
	case []any:
		var idx int
		if key == "-" {
			idx = len(c)
		} else {
			i, ok := arrayIndex(key)
			if !ok || (w.opts.validate && len(key) > 1 && key[0] == '0') {
				if w.opts.validate {
					return nil, OperationResult{}, w.fail(CodePathIllegalArrayIndex, "expected an unsigned base-10 integer value, making the new referenced value the array element with the zero-based index")
				}
				return nil, OperationResult{}, w.unresolvable()
			}
			idx = i
		}
		exists := idx < len(c)
		if err := w.observe(exists, t); err != nil {
			return nil, OperationResult{}, err
		}
		if last {
			if w.opts.validate && w.op.Op == OpAdd && idx > len(c) {
				return nil, OperationResult{}, w.fail(CodeValueOutOfBounds, "the specified index MUST NOT be greater than the number of elements in the array")
			}
			return w.applyToSlice(c, idx, exists)
		}
		if !exists || !isContainer(c[idx]) {
			return nil, OperationResult{}, w.unresolvable()
		}
		next, res, err := w.step(c[idx], t+1)
		if err != nil {
			return nil, OperationResult{}, err
		}
		c[idx] = next
		return c, res, nil
	default:
		return nil, OperationResult{}, w.unresolvable()
	}
}

// observe records the existing path prefix and runs document validation the
// first time it becomes known.
func (w *walker) observe(exists bool, t int) error {
	if !w.opts.validate || w.existingSet {
		return nil
	}
	switch {
	case !exists:
		w.existing = ""
		if t > 0 {
			w.existing = "/" + strings.Join(w.tokens[:t], "/")
		}
		w.existingSet = true
	case t == len(w.tokens)-1:
		w.existing = w.op.Path
		w.existingSet = true
	default:
		return nil
	}
	return validateOperation(w.op, w.opts.index, w.root, w.existing, true)
}

func (w *walker) applyToMap(m map[string]any, key string, child any, exists bool) (OperationResult, error) {
	res := OperationResult{Removed: Undefined}
	switch w.op.Op {
	case OpAdd:
		m[key] = DeepClone(w.op.Value)
	case OpRemove:
		if !exists {
			return res, w.unresolvable()
		}
		res.Removed = child
		delete(m, key)
	case OpReplace:
		if !exists {
			return res, w.unresolvable()
		}
		res.Removed = child
		m[key] = DeepClone(w.op.Value)
	case OpTest:
		if !exists || !DeepEqual(child, w.op.Value) {
			return res, w.fail(CodeTestFailed, "test operation failed")
		}
		passed := true
		res.Test = &passed
	}
	return res, nil
}

func (w *walker) applyToSlice(s []any, idx int, exists bool) (any, OperationResult, error) {
	res := OperationResult{Removed: Undefined}
	switch w.op.Op {
	case OpAdd:
		if idx > len(s) {
			idx = len(s)
		}
		s = append(s, nil)
		copy(s[idx+1:], s[idx:])
		s[idx] = DeepClone(w.op.Value)
	case OpRemove:
		if !exists {
			return nil, res, w.unresolvable()
		}
		res.Removed = s[idx]
		s = append(s[:idx], s[idx+1:]...)
	case OpReplace:
		if !exists {
			return nil, res, w.unresolvable()
		}
		res.Removed = s[idx]
		s[idx] = DeepClone(w.op.Value)
	case OpTest:
		if !exists || !DeepEqual(s[idx], w.op.Value) {
			return nil, res, w.fail(CodeTestFailed, "test operation failed")
		}
		passed := true
		res.Test = &passed
	}
	return s, res, nil
}

// move removes the value at From and adds it at Path. The walk that led
// here only validated Path.
func (w *walker) move(doc any) (OperationResult, error) {
	prior, err := Get(doc, w.op.Path)
	if err != nil {
		prior = Undefined
	} else {
		prior = DeepClone(prior)
	}
	o := w.opts
	o.validate, o.mutate = false, true
	removed, err := apply(doc, Remove(w.op.From), o)
	if err != nil {
		return OperationResult{}, w.rebase(err, CodeFromUnresolvable)
	}
	added, err := apply(removed.NewDocument, Add(w.op.Path, removed.Removed), o)
	if err != nil {
		return OperationResult{}, w.rebase(err, "")
	}
	return OperationResult{NewDocument: added.NewDocument, Removed: prior}, nil
}

func (w *walker) copy(doc any) (OperationResult, error) {
	v, err := Get(doc, w.op.From)
	if err != nil {
		return OperationResult{}, w.fail(CodeFromUnresolvable, "cannot resolve from pointer "+w.op.From)
	}
	o := w.opts
	o.validate, o.mutate = false, true
	added, err := apply(doc, Add(w.op.Path, v), o)
	if err != nil {
		return OperationResult{}, w.rebase(err, "")
	}
	return OperationResult{NewDocument: added.NewDocument, Removed: Undefined}, nil
}

// rebase reports an error raised by a nested operation against the
// original move or copy operation.
func (w *walker) rebase(err error, code Code) error {
	var pe *Error
	if !errors.As(err, &pe) {
		return err
	}
	if code == "" {
		code = pe.Code
	}
	return w.fail(code, pe.Message)
}

func (w *walker) unresolvable() error {
	return w.fail(CodePathUnresolvable, "cannot perform the operation at a path that does not exist")
}

func (w *walker) fail(code Code, msg string) error {
	return newError(code, msg, w.opts.index, w.op, w.root)
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}
