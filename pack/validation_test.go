package pack

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/achievements/filter"
)

func validDefinition() *Definition {
	return &Definition{
		ID:      "veteran",
		Name:    "Veteran",
		Version: 1,
		Criteria: []CriterionDef{
			{
				ID:     "level-80",
				Source: "player",
				Filters: []FilterDef{
					{Path: "level", Op: ">=", Value: "80"},
				},
			},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(validDefinition()))
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
		field  string
	}{
		{"empty id", func(d *Definition) { d.ID = "" }, "id"},
		{"id with space", func(d *Definition) { d.ID = "my pack" }, "id"},
		{"id starting with digit", func(d *Definition) { d.ID = "1pack" }, "id"},
		{"id too long", func(d *Definition) { d.ID = strings.Repeat("a", 101) }, "id"},
		{"negative version", func(d *Definition) { d.Version = -1 }, "version"},
		{"no criteria", func(d *Definition) { d.Criteria = nil }, "criteria"},
		{"too many criteria", func(d *Definition) {
			c := d.Criteria[0]
			d.Criteria = nil
			for i := 0; i < 501; i++ {
				c.ID = "c" + strings.Repeat("x", i%90) + string(rune('a'+i%26))
				d.Criteria = append(d.Criteria, c)
			}
		}, "criteria"},
		{"empty criterion id", func(d *Definition) { d.Criteria[0].ID = "" }, "criteria[0].id"},
		{"duplicate criterion", func(d *Definition) {
			d.Criteria = append(d.Criteria, d.Criteria[0])
		}, "criteria[1].id"},
		{"empty source", func(d *Definition) { d.Criteria[0].Source = "" }, "criteria[0].source"},
		{"negative required count", func(d *Definition) { d.Criteria[0].RequiredCount = -2 }, "criteria[0].required_count"},
		{"no filters", func(d *Definition) { d.Criteria[0].Filters = nil }, "criteria[0].filters"},
		{"too many filters", func(d *Definition) {
			f := d.Criteria[0].Filters[0]
			for i := 0; i < 50; i++ {
				d.Criteria[0].Filters = append(d.Criteria[0].Filters, f)
			}
		}, "criteria[0].filters"},
		{"blank path", func(d *Definition) { d.Criteria[0].Filters[0].Path = "  " }, "criteria[0].filters[0].path"},
		{"malformed path", func(d *Definition) { d.Criteria[0].Filters[0].Path = "level[" }, "criteria[0].filters[0].path"},
		{"malformed CEL path", func(d *Definition) { d.Criteria[0].Filters[0].Path = "cel:item." }, "criteria[0].filters[0].path"},
		{"unknown operator", func(d *Definition) { d.Criteria[0].Filters[0].Op = "~=" }, "criteria[0].filters[0].op"},
		{"blank value", func(d *Definition) { d.Criteria[0].Filters[0].Value = " " }, "criteria[0].filters[0].value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)

			err := Validate(def)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	var verr *ValidationError
	assert.True(t, errors.As(Validate(nil), &verr))
}

func TestValidate_WrapsFilterErrors(t *testing.T) {
	def := validDefinition()
	def.Criteria[0].Filters[0].Op = "between"
	assert.ErrorIs(t, Validate(def), filter.ErrNotImplemented)

	def = validDefinition()
	def.Criteria[0].Filters[0].Path = "a..b"
	assert.ErrorIs(t, Validate(def), filter.ErrInvalidConfiguration)
}
