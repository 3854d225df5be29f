package filter

import "errors"

// Error taxonomy for predicate construction and evaluation.
// Callers classify failures with errors.Is.
var (
	// ErrInvalidConfiguration reports a malformed predicate or query at construction time
	ErrInvalidConfiguration = errors.New("invalid filter configuration")

	// ErrPathNotFound is returned by key paths when a segment does not exist on the data
	ErrPathNotFound = errors.New("path not found")

	// ErrUnresolvablePath is returned by Query.Apply when a predicate's path is missing on an item.
	// It wraps the ErrPathNotFound returned by the key path.
	ErrUnresolvablePath = errors.New("unresolvable path")

	// ErrTypeMismatch reports an expected literal that cannot be parsed into the resolved value's type
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUnsupportedOperator reports an operator that is not legal for the resolved value's type.
	// Errors carrying it also match ErrTypeMismatch.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrNotImplemented reports an operator with no defined comparison behavior
	ErrNotImplemented = errors.New("operator not implemented")
)
