package patch

import (
	"errors"
	"fmt"
)

type (
	// Code classifies patch failures.
	Code string

	// Error is the only error kind returned by this package. It carries the
	// failing operation, its index in the sequence and the document the
	// operation was applied to.
	Error struct {
		// Code classifies the failure.
		Code Code
		// Message is a human readable description.
		Message string
		// Index is the position of Operation in the applied sequence.
		Index int
		// Operation is the failing operation.
		Operation Operation
		// Document is the document the operation was applied to.
		Document any
	}
)

// Error codes.
const (
	CodeSequenceNotAnArray        Code = "SEQUENCE_NOT_AN_ARRAY"
	CodeNotAnObject               Code = "OPERATION_NOT_AN_OBJECT"
	CodeOpInvalid                 Code = "OPERATION_OP_INVALID"
	CodePathInvalid               Code = "OPERATION_PATH_INVALID"
	CodeFromRequired              Code = "OPERATION_FROM_REQUIRED"
	CodeValueRequired             Code = "OPERATION_VALUE_REQUIRED"
	CodeValueContainsUndefined    Code = "OPERATION_VALUE_CANNOT_CONTAIN_UNDEFINED"
	CodePathCannotAdd             Code = "OPERATION_PATH_CANNOT_ADD"
	CodePathUnresolvable          Code = "OPERATION_PATH_UNRESOLVABLE"
	CodeFromUnresolvable          Code = "OPERATION_FROM_UNRESOLVABLE"
	CodePathIllegalArrayIndex     Code = "OPERATION_PATH_ILLEGAL_ARRAY_INDEX"
	CodeValueOutOfBounds          Code = "OPERATION_VALUE_OUT_OF_BOUNDS"
	CodeTestFailed                Code = "TEST_OPERATION_FAILED"
	CodePathPrototypeModification Code = "OPERATION_PATH_PROTOTYPE_MODIFICATION"
)

var (
	// ErrUnresolvable matches errors whose path or from pointer does not
	// resolve against the document.
	ErrUnresolvable = errors.New("patch: unresolvable pointer")
	// ErrTestFailed matches failed test operations.
	ErrTestFailed = errors.New("patch: test operation failed")
	// ErrPrototypePath matches refused __proto__ / constructor.prototype paths.
	ErrPrototypePath = errors.New("patch: prototype path refused")
)

func newError(code Code, msg string, index int, op Operation, doc any) *Error {
	return &Error{Code: code, Message: msg, Index: index, Operation: op, Document: doc}
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("patch: %s: %s (operation %d: %s)", e.Code, e.Message, e.Index, e.Operation)
}

// Is matches the package sentinel errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnresolvable:
		return e.Code == CodePathUnresolvable || e.Code == CodeFromUnresolvable
	case ErrTestFailed:
		return e.Code == CodeTestFailed
	case ErrPrototypePath:
		return e.Code == CodePathPrototypeModification
	}
	return false
}
