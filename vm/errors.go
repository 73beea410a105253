package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrInvalidReference indicates a malformed or unknown reference handle.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrUseAfterDelete indicates an operation on an object that was deleted.
	ErrUseAfterDelete = errors.New("object was deleted")

	// ErrOutOfBounds indicates a list index or range outside the valid range.
	ErrOutOfBounds = errors.New("list index out of bounds")

	// ErrUndefinedField indicates a var name that the object's type does not define.
	ErrUndefinedField = errors.New("undefined var")

	// ErrUndefinedGlobal indicates a global name that the program does not define.
	ErrUndefinedGlobal = errors.New("undefined global")

	// ErrTypeMismatch indicates a value of the wrong kind for the requested operation.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrReadOnlyContainer indicates a write to a list view that cannot be written.
	ErrReadOnlyContainer = errors.New("list is read-only")

	// ErrUnsupportedOperation indicates an operation a list view cannot provide.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrUndefinedProc indicates a proc name the target's type does not define.
	ErrUndefinedProc = errors.New("undefined proc")

	// ErrDivisionByZero indicates a division or modulo by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrStackOverflow indicates that waited calls nested deeper than the
	// engine's MaxCallDepth.
	ErrStackOverflow = errors.New("maximum call depth exceeded")

	// ErrProc is the category of every error that terminated a proc.
	ErrProc = errors.New("proc error")

	// ErrCancelled is delivered to a caller whose awaited proc was cancelled.
	ErrCancelled = errors.New("proc cancelled")
)

// ProcError is an error that terminated a proc state. Stack lists the proc
// frames the error passed through, innermost first.
type ProcError struct {
	Err   error
	Stack []string
}

func (e *ProcError) Error() string {
	if len(e.Stack) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (in %s)", e.Err, strings.Join(e.Stack, " <- "))
}

// Unwrap exposes both the ErrProc category and the underlying cause.
func (e *ProcError) Unwrap() []error {
	return []error{ErrProc, e.Err}
}

// wrapProcError attaches frame to err, extending an existing ProcError's
// stack rather than nesting a new one.
func wrapProcError(err error, frame string) *ProcError {
	var pe *ProcError
	if errors.As(err, &pe) {
		stack := make([]string, 0, len(pe.Stack)+1)
		stack = append(stack, pe.Stack...)
		stack = append(stack, frame)
		return &ProcError{Err: pe.Err, Stack: stack}
	}
	return &ProcError{Err: err, Stack: []string{frame}}
}

// RuntimeError is a value raised by a proc body with throw.
type RuntimeError struct {
	Value Value
}

func (e *RuntimeError) Error() string {
	return e.Value.Stringify()
}
