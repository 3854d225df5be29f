package filter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Predicate is a single condition: the value at Path compared to Expected with Op.
// Predicates are immutable once built.
type Predicate struct {
	path     KeyPath
	expected string
	op       Operator
}

// NewPredicate validates and builds a predicate.
// The expected literal must contain a non-whitespace character and path must be non-nil.
func NewPredicate(path KeyPath, expected string, op Operator) (Predicate, error) {
	if path == nil {
		return Predicate{}, fmt.Errorf("%w: predicate path is nil", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(expected) == "" {
		return Predicate{}, fmt.Errorf("%w: predicate on %s has an empty expected value", ErrInvalidConfiguration, path)
	}
	if !op.Known() {
		return Predicate{}, fmt.Errorf("%w: predicate on %s: %w: %s", ErrInvalidConfiguration, path, ErrNotImplemented, op)
	}

	return Predicate{path: path, expected: expected, op: op}, nil
}

// ParsePredicate builds a predicate from pack definition literals
func ParsePredicate(path, op, expected string) (Predicate, error) {
	kp, err := ParseKeyPath(path)
	if err != nil {
		return Predicate{}, err
	}
	operator, err := ParseOperator(op)
	if err != nil {
		return Predicate{}, fmt.Errorf("%w: predicate on %s: %w", ErrInvalidConfiguration, path, err)
	}
	return NewPredicate(kp, expected, operator)
}

func (p Predicate) Path() KeyPath { return p.path }
func (p Predicate) Expected() string { return p.expected }
func (p Predicate) Operator() Operator { return p.op }

// Evaluate resolves the path on item and compares it.
// A missing path is returned as ErrUnresolvablePath rather than false.
func (p Predicate) Evaluate(ctx context.Context, item Value) (bool, error) {
	actual, err := p.path.Resolve(ctx, item)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) {
			return false, fmt.Errorf("%w: %w", ErrUnresolvablePath, err)
		}
		return false, err
	}

	ok, err := Compare(actual, p.expected, p.op)
	if err != nil {
		return false, fmt.Errorf("predicate %s: %w", p, err)
	}
	return ok, nil
}

func (p Predicate) String() string {
	return p.path.String() + " " + p.op.String() + " " + strconv.Quote(p.expected)
}
