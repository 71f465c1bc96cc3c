package patch

import "strings"

// validateOperation checks op in isolation and, when withDoc is set, against
// doc given the longest existing prefix of op.Path.
func validateOperation(op Operation, index int, doc any, existing string, withDoc bool) error {
	switch {
	case !op.Op.Valid():
		return newError(CodeOpInvalid, "operation `op` property is not one of operations defined in RFC-6902", index, op, doc)
	case op.Path != "" && !strings.HasPrefix(op.Path, "/"):
		return newError(CodePathInvalid, "operation `path` property is not a valid pointer", index, op, doc)
	case (op.Op == OpMove || op.Op == OpCopy) && !op.HasFrom():
		return newError(CodeFromRequired, "operation `from` property is not present (applicable in `move` and `copy` operations)", index, op, doc)
	case op.takesValue() && !op.HasValue():
		return newError(CodeValueRequired, "operation `value` property is not present (applicable in `add`, `replace` and `test` operations)", index, op, doc)
	case op.takesValue() && containsUndefined(op.Value):
		return newError(CodeValueContainsUndefined, "operation `value` property contains an undefined value", index, op, doc)
	}
	if !withDoc {
		return nil
	}
	switch op.Op {
	case OpAdd:
		pathLen := len(strings.Split(op.Path, "/"))
		existingLen := len(strings.Split(existing, "/"))
		if pathLen != existingLen+1 && pathLen != existingLen {
			return newError(CodePathCannotAdd, "cannot perform an `add` operation at the desired path", index, op, doc)
		}
	case OpReplace, OpRemove:
		if op.Path != existing {
			return newError(CodePathUnresolvable, "cannot perform the operation at a path that does not exist", index, op, doc)
		}
	case OpMove, OpCopy:
		if _, err := Get(doc, op.From); err != nil {
			return newError(CodeFromUnresolvable, "cannot perform the operation from a path that does not exist", index, op, doc)
		}
	}
	return nil
}
