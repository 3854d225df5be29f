package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Compare parses expected into the type of actual and applies op.
//
// Failures:
//   - ErrNotImplemented when op has no defined behavior
//   - ErrUnsupportedOperator (which also matches ErrTypeMismatch) when op is
//     not legal for actual's kind, e.g. ordering booleans
//   - ErrTypeMismatch when expected cannot be parsed into actual's type
func Compare(actual Value, expected string, op Operator) (bool, error) {
	if !op.Known() {
		return false, fmt.Errorf("%w: %s", ErrNotImplemented, op)
	}
	if !op.Accepts(actual.Kind()) {
		return false, fmt.Errorf("%w: %w: %s on %s", ErrUnsupportedOperator, ErrTypeMismatch, op, actual.Kind())
	}

	if op == OpContains {
		return contains(actual, expected)
	}

	cmp, err := compareScalar(actual, expected)
	if err != nil {
		return false, err
	}

	switch op {
	case OpEqual:
		return cmp == 0, nil
	case OpNotEqual:
		return cmp != 0, nil
	case OpGreaterThan:
		return cmp > 0, nil
	case OpLessThan:
		return cmp < 0, nil
	case OpGreaterOrEqual:
		return cmp >= 0, nil
	case OpLessOrEqual:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("%w: %s", ErrNotImplemented, op)
}

// compareScalar returns -1, 0 or 1 comparing actual to the parsed literal.
// For bools and strings only 0 and non-zero are meaningful.
func compareScalar(actual Value, expected string) (int, error) {
	switch actual.Kind() {
	case KindNumber:
		n, _ := actual.AsNumber()
		want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, expected)
		}
		// NaN is unordered and would compare equal to everything below
		if math.IsNaN(want) || math.IsInf(want, 0) {
			return 0, fmt.Errorf("%w: %q is not a finite number", ErrTypeMismatch, expected)
		}
		return compareOrdered(n, want), nil
	case KindTime:
		t, _ := actual.AsTime()
		want, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(expected))
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an RFC 3339 time", ErrTypeMismatch, expected)
		}
		return t.Compare(want), nil
	case KindBool:
		b, _ := actual.AsBool()
		want, err := strconv.ParseBool(strings.TrimSpace(expected))
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a boolean", ErrTypeMismatch, expected)
		}
		if b == want {
			return 0, nil
		}
		return 1, nil
	case KindString:
		s, _ := actual.AsString()
		return strings.Compare(s, expected), nil
	}
	return 0, fmt.Errorf("%w: cannot compare %s", ErrTypeMismatch, actual.Kind())
}

func compareOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// contains matches a substring of a string, or a list element equal to the literal
func contains(actual Value, expected string) (bool, error) {
	if s, ok := actual.AsString(); ok {
		return strings.Contains(s, expected), nil
	}

	for _, item := range actual.Items() {
		if !OpEqual.Accepts(item.Kind()) {
			continue
		}
		cmp, err := compareScalar(item, expected)
		if err != nil {
			// elements of another type never equal the literal
			continue
		}
		if cmp == 0 {
			return true, nil
		}
	}
	return false, nil
}
