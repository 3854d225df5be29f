package filter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// KeyPath locates a value inside an observed data item.
// Resolve returns an error wrapping ErrPathNotFound when any segment of the
// path does not exist on data. Implementations must be safe for concurrent use.
type KeyPath interface {
	Resolve(ctx context.Context, data Value) (Value, error)
	String() string
}

// celPrefix selects the CEL path language in ParseKeyPath
const celPrefix = "cel:"

// ParseKeyPath parses a path expression from a pack definition.
// Expressions prefixed with "cel:" are compiled as CEL over the variable
// "item"; anything else is a dot path.
func ParseKeyPath(expr string) (KeyPath, error) {
	if rest, ok := strings.CutPrefix(expr, celPrefix); ok {
		return CompileCELPath(strings.TrimSpace(rest))
	}
	return ParsePath(expr)
}

type segment struct {
	key     string
	index   int
	isIndex bool
}

func (s segment) String() string {
	if s.isIndex {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

// DotPath walks maps by key and lists by index, e.g. `wallet[0].value`.
// Keys that contain dots or brackets are written quoted: `stats["a.b"]`.
// A leading "$" or "$." is accepted and refers to the item itself.
type DotPath struct {
	raw      string
	segments []segment
}

// ParsePath parses a dot path expression
func ParsePath(expr string) (*DotPath, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfiguration)
	}

	rest := raw
	if rest == "$" {
		return &DotPath{raw: raw}, nil
	}
	rest = strings.TrimPrefix(rest, "$")
	rest = strings.TrimPrefix(rest, ".")

	var segments []segment
	for i := 0; i < len(rest); {
		switch rest[i] {
		case '.':
			if i+1 >= len(rest) || rest[i+1] == '.' || rest[i+1] == '[' {
				return nil, fmt.Errorf("%w: path %q has an empty segment at offset %d", ErrInvalidConfiguration, raw, i)
			}
			i++
		case '[':
			end := closingBracket(rest[i:])
			if end < 0 {
				return nil, fmt.Errorf("%w: path %q has an unclosed bracket at offset %d", ErrInvalidConfiguration, raw, i)
			}
			inner := rest[i+1 : i+end]
			seg, err := parseBracket(inner)
			if err != nil {
				return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidConfiguration, raw, err)
			}
			segments = append(segments, seg)
			i += end + 1
			if i < len(rest) && rest[i] != '.' && rest[i] != '[' {
				return nil, fmt.Errorf("%w: path %q expects '.' or '[' at offset %d", ErrInvalidConfiguration, raw, i)
			}
		case ']':
			return nil, fmt.Errorf("%w: path %q has an unexpected ']' at offset %d", ErrInvalidConfiguration, raw, i)
		default:
			end := strings.IndexAny(rest[i:], ".[]")
			if end < 0 {
				end = len(rest) - i
			}
			segments = append(segments, segment{key: rest[i : i+end]})
			i += end
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: path %q has no segments", ErrInvalidConfiguration, raw)
	}

	return &DotPath{raw: raw, segments: segments}, nil
}

// closingBracket returns the offset of the ']' closing the bracket s starts
// with, skipping over a quoted key, or -1
func closingBracket(s string) int {
	i := 1
	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i < len(s) && (s[i] == '"' || s[i] == '\'') {
		quote := s[i]
		for i++; i < len(s) && s[i] != quote; i++ {
			if s[i] == '\\' && quote == '"' {
				i++
			}
		}
		if i >= len(s) {
			return -1
		}
		i++
	}
	end := strings.IndexByte(s[i:], ']')
	if end < 0 {
		return -1
	}
	return i + end
}

func parseBracket(inner string) (segment, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return segment{}, fmt.Errorf("empty brackets")
	}
	if inner[0] == '"' || inner[0] == '\'' {
		key, err := unquote(inner)
		if err != nil {
			return segment{}, err
		}
		return segment{key: key}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return segment{}, fmt.Errorf("invalid index %q", inner)
	}
	return segment{index: n, isIndex: true}, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[len(s)-1] != s[0] {
		return "", fmt.Errorf("unterminated quoted key %s", s)
	}
	if s[0] == '\'' {
		return s[1 : len(s)-1], nil
	}
	return strconv.Unquote(s)
}

// MustParsePath is ParsePath for literals known to be valid; it panics otherwise
func MustParsePath(expr string) *DotPath {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Resolve walks the path over data
func (p *DotPath) Resolve(ctx context.Context, data Value) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}

	current := data
	for i, seg := range p.segments {
		var (
			next Value
			ok   bool
		)
		if seg.isIndex {
			next, ok = current.Index(seg.index)
		} else {
			next, ok = current.Field(seg.key)
		}
		if !ok {
			return Value{}, fmt.Errorf("%w: %q: segment %d (%s) missing on %s", ErrPathNotFound, p.raw, i, seg, current.Kind())
		}
		current = next
	}
	return current, nil
}

func (p *DotPath) String() string { return p.raw }

// Segments returns the path segments as text, indices rendered as "[n]"
func (p *DotPath) Segments() []string {
	out := make([]string, len(p.segments))
	for i, seg := range p.segments {
		out[i] = seg.String()
	}
	return out
}
