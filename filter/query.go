package filter

import (
	"context"
	"fmt"
	"strings"
)

// Query is an ordered, non-empty AND of predicates.
// A Query is immutable and safe for concurrent use.
type Query struct {
	predicates []Predicate
}

// NewQuery builds a query from at least one predicate
func NewQuery(predicates ...Predicate) (*Query, error) {
	if len(predicates) == 0 {
		return nil, fmt.Errorf("%w: query needs at least one predicate", ErrInvalidConfiguration)
	}
	for i, p := range predicates {
		if p.path == nil {
			return nil, fmt.Errorf("%w: predicate %d was not built with NewPredicate", ErrInvalidConfiguration, i)
		}
	}

	owned := make([]Predicate, len(predicates))
	copy(owned, predicates)
	return &Query{predicates: owned}, nil
}

// Predicates returns a copy of the predicates in declaration order
func (q *Query) Predicates() []Predicate {
	out := make([]Predicate, len(q.predicates))
	copy(out, q.predicates)
	return out
}

// Paths returns the key path of every predicate, in order
func (q *Query) Paths() []KeyPath {
	out := make([]KeyPath, len(q.predicates))
	for i, p := range q.predicates {
		out[i] = p.path
	}
	return out
}

// ExpectedValues returns the expected literal of every predicate, in order
func (q *Query) ExpectedValues() []string {
	out := make([]string, len(q.predicates))
	for i, p := range q.predicates {
		out[i] = p.expected
	}
	return out
}

// Operators returns the operator of every predicate, in order
func (q *Query) Operators() []Operator {
	out := make([]Operator, len(q.predicates))
	for i, p := range q.predicates {
		out[i] = p.op
	}
	return out
}

// Matches evaluates the predicates against item in declaration order and
// stops at the first one that is false.
func (q *Query) Matches(ctx context.Context, item Value) (bool, error) {
	for i, p := range q.predicates {
		ok, err := p.Evaluate(ctx, item)
		if err != nil {
			return false, fmt.Errorf("predicate %d: %w", i, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Apply partitions items into those matching every predicate and the rest.
// Every item lands in exactly one partition, in input order. Any evaluation
// error, including an unresolvable path on a single item, aborts the whole
// batch and no partitions are returned.
func (q *Query) Apply(ctx context.Context, items []Value) (accepted, rejected []Value, err error) {
	accepted = []Value{}
	rejected = []Value{}
	if len(items) == 0 {
		return accepted, rejected, nil
	}

	for i, item := range items {
		ok, err := q.Matches(ctx, item)
		if err != nil {
			return nil, nil, fmt.Errorf("item %d: %w", i, err)
		}
		if ok {
			accepted = append(accepted, item)
		} else {
			rejected = append(rejected, item)
		}
	}
	return accepted, rejected, nil
}

func (q *Query) String() string {
	parts := make([]string, len(q.predicates))
	for i, p := range q.predicates {
		parts[i] = p.String()
	}
	return strings.Join(parts, " && ")
}
