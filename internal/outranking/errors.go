package outranking

import (
	"errors"
	"fmt"
)

// Failure categories returned by the ranking procedure.
var (
	// ErrInvalidInput indicates a precondition on the input data was violated.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates matrices of inconsistent shape were combined.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvariantViolation indicates broken internal bookkeeping during stratification
	// or solution assembly.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Error describes a ranking failure. Kind is one of the package sentinels, so
// errors.Is(err, ErrInvalidInput) works on any error returned by this package.
type Error struct {
	// Kind is the failure category.
	Kind error

	// Op names the step that failed, e.g. "normalize" or "stratify".
	Op string

	// Detail is a human-readable description of the offending input.
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("outranking: %s: %v: %s", e.Op, e.Kind, e.Detail)
}

// Unwrap returns the failure category.
func (e *Error) Unwrap() error { return e.Kind }

func invalidInput(op, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidInput, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func dimensionMismatch(op, format string, args ...any) *Error {
	return &Error{Kind: ErrDimensionMismatch, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func invariantViolation(op, format string, args ...any) *Error {
	return &Error{Kind: ErrInvariantViolation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err originates from the ranking procedure itself.
// Such failures are deterministic: running the same input again fails the same way.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrInvariantViolation)
}
