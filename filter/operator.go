package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a comparison between a resolved value and an expected literal
type Operator int

const (
	OpUnknown Operator = iota
	OpEqual
	OpNotEqual
	OpGreaterThan
	OpLessThan
	OpGreaterOrEqual
	OpLessOrEqual
	OpContains
)

var operatorSymbols = map[Operator]string{
	OpEqual:          "==",
	OpNotEqual:       "!=",
	OpGreaterThan:    ">",
	OpLessThan:       "<",
	OpGreaterOrEqual: ">=",
	OpLessOrEqual:    "<=",
	OpContains:       "contains",
}

var operatorNames = map[string]Operator{
	"==":                   OpEqual,
	"=":                    OpEqual,
	"eq":                   OpEqual,
	"equal":                OpEqual,
	"equals":               OpEqual,
	"!=":                   OpNotEqual,
	"<>":                   OpNotEqual,
	"ne":                   OpNotEqual,
	"neq":                  OpNotEqual,
	"notequal":             OpNotEqual,
	">":                    OpGreaterThan,
	"gt":                   OpGreaterThan,
	"greaterthan":          OpGreaterThan,
	"<":                    OpLessThan,
	"lt":                   OpLessThan,
	"lessthan":             OpLessThan,
	">=":                   OpGreaterOrEqual,
	"ge":                   OpGreaterOrEqual,
	"gte":                  OpGreaterOrEqual,
	"greaterthanorequal":   OpGreaterOrEqual,
	"greaterthanorequalto": OpGreaterOrEqual,
	"<=":                   OpLessOrEqual,
	"le":                   OpLessOrEqual,
	"lte":                  OpLessOrEqual,
	"lessthanorequal":      OpLessOrEqual,
	"lessthanorequalto":    OpLessOrEqual,
	"contains":             OpContains,
}

// ParseOperator accepts symbolic (">=") and named ("gte", "GreaterThanOrEqual")
// forms, case-insensitively. Unknown names fail with ErrNotImplemented.
func ParseOperator(name string) (Operator, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	if op, ok := operatorNames[key]; ok {
		return op, nil
	}
	return OpUnknown, fmt.Errorf("%w: %q", ErrNotImplemented, name)
}

func (op Operator) String() string {
	if sym, ok := operatorSymbols[op]; ok {
		return sym
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// Known reports whether op has defined comparison behavior
func (op Operator) Known() bool {
	_, ok := operatorSymbols[op]
	return ok
}

// IsOrdering reports whether op requires a totally ordered type
func (op Operator) IsOrdering() bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return true
	}
	return false
}

// Accepts reports whether op is legal for values of kind k
func (op Operator) Accepts(k Kind) bool {
	switch op {
	case OpEqual, OpNotEqual:
		return k == KindBool || k == KindNumber || k == KindString || k == KindTime
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return k == KindNumber || k == KindTime
	case OpContains:
		return k == KindString || k == KindList
	}
	return false
}
