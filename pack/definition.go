package pack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is a pack as written by its author, before validation
type Definition struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Version  int            `json:"version" yaml:"version"`
	Criteria []CriterionDef `json:"criteria" yaml:"criteria"`
}

// CriterionDef declares one achievement criterion.
// A criterion completes once RequiredCount items of its source match every filter.
type CriterionDef struct {
	ID            string      `json:"id" yaml:"id"`
	Name          string      `json:"name" yaml:"name"`
	Source        string      `json:"source" yaml:"source"`
	RequiredCount int         `json:"required_count,omitempty" yaml:"required_count,omitempty"`
	Filters       []FilterDef `json:"filters" yaml:"filters"`
}

// FilterDef is one predicate literal: path, operator name and expected value
type FilterDef struct {
	Path  string  `json:"path" yaml:"path"`
	Op    string  `json:"op" yaml:"op"`
	Value Literal `json:"value" yaml:"value"`
}

// Literal is an expected value kept in its textual form.
// Authors may write it as a string, number or boolean.
type Literal string

func (l *Literal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty literal")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Literal(s)
		return nil
	case '{', '[':
		return fmt.Errorf("literal must be a scalar, got %s", data)
	}

	if string(data) == "null" {
		return errors.New("literal cannot be null")
	}
	*l = Literal(data)
	return nil
}

func (l *Literal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: literal must be a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		return fmt.Errorf("line %d: literal cannot be null", node.Line)
	}
	*l = Literal(node.Value)
	return nil
}

// Format is the encoding of a pack definition
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	}
	return "", false
}

// FormatFromContentType picks the format from an HTTP Content-Type; JSON is the default
func FormatFromContentType(contentType string) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatJSON
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return FormatYAML
	}
	return FormatJSON
}

// Decode reads one definition. Unknown fields are rejected.
func Decode(r io.Reader, format Format) (*Definition, error) {
	var def Definition

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to decode JSON pack: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("failed to decode YAML pack: empty document")
			}
			return nil, fmt.Errorf("failed to decode YAML pack: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported pack format %q", format)
	}

	return &def, nil
}

// DecodeFile reads a definition from a .yaml, .yml or .json file
func DecodeFile(path string) (*Definition, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported pack file %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pack file: %w", err)
	}
	defer f.Close()

	def, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir decodes every pack file in dir, in file name order.
// Other files and subdirectories are ignored.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := DecodeFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
