package pack

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/achievements/filter"
)

const (
	maxIdentifierLength = 100
	maxCriteria         = 500
	maxFilters          = 50
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// ValidationError reports the first invalid field of a definition
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid pack: " + e.Message
	}
	return fmt.Sprintf("invalid pack: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a definition and returns a *ValidationError for the first problem found
func Validate(def *Definition) error {
	if def == nil {
		return invalid("", "definition is nil")
	}

	if err := validateIdentifier("id", def.ID); err != nil {
		return err
	}

	if def.Version < 0 {
		return invalid("version", "must not be negative, got %d", def.Version)
	}

	if len(def.Criteria) == 0 {
		return invalid("criteria", "pack must contain at least one criterion")
	}
	if len(def.Criteria) > maxCriteria {
		return invalid("criteria", "pack contains %d criteria, maximum allowed is %d", len(def.Criteria), maxCriteria)
	}

	seen := make(map[string]int, len(def.Criteria))
	for i, c := range def.Criteria {
		field := fmt.Sprintf("criteria[%d]", i)

		if err := validateIdentifier(field+".id", c.ID); err != nil {
			return err
		}
		if prev, dup := seen[c.ID]; dup {
			return invalid(field+".id", "duplicate criterion %q, first declared at criteria[%d]", c.ID, prev)
		}
		seen[c.ID] = i

		if err := validateIdentifier(field+".source", c.Source); err != nil {
			return err
		}

		if c.RequiredCount < 0 {
			return invalid(field+".required_count", "must not be negative, got %d", c.RequiredCount)
		}

		if err := validateFilters(field, c.Filters); err != nil {
			return err
		}
	}

	return nil
}

func validateFilters(field string, filters []FilterDef) error {
	if len(filters) == 0 {
		return invalid(field+".filters", "criterion must contain at least one filter")
	}
	if len(filters) > maxFilters {
		return invalid(field+".filters", "criterion contains %d filters, maximum allowed is %d", len(filters), maxFilters)
	}

	for j, f := range filters {
		ff := fmt.Sprintf("%s.filters[%d]", field, j)

		if strings.TrimSpace(f.Path) == "" {
			return invalid(ff+".path", "path cannot be empty")
		}
		if _, err := filter.ParseKeyPath(f.Path); err != nil {
			return &ValidationError{Field: ff + ".path", Message: err.Error(), Err: err}
		}

		if _, err := filter.ParseOperator(f.Op); err != nil {
			return &ValidationError{Field: ff + ".op", Message: err.Error(), Err: err}
		}

		if strings.TrimSpace(string(f.Value)) == "" {
			return invalid(ff+".value", "expected value cannot be empty")
		}
	}

	return nil
}

// validateIdentifier checks pack, criterion and source identifiers:
// 1-100 characters matching ^[a-zA-Z_][a-zA-Z0-9_.-]*$
func validateIdentifier(field, name string) error {
	if len(name) == 0 {
		return invalid(field, "identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return invalid(field, "identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !validIdentifier.MatchString(name) {
		return invalid(field, "%q must match pattern %s", name, validIdentifier.String())
	}
	return nil
}
