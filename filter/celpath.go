package filter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// celCostLimit bounds the work a single path expression may do
const celCostLimit = 1000000

// celItemVar is the variable a CEL path expression reads the data item from
const celItemVar = "item"

// celCompiler compiles path expressions once and shares the programs.
// Programs are safe for concurrent evaluation.
type celCompiler struct {
	once     sync.Once
	env      *cel.Env
	envErr   error
	programs map[string]cel.Program
	mu       sync.RWMutex
}

var defaultCELCompiler = &celCompiler{programs: make(map[string]cel.Program)}

func (c *celCompiler) environment() (*cel.Env, error) {
	c.once.Do(func() {
		c.env, c.envErr = cel.NewEnv(cel.Variable(celItemVar, cel.DynType))
		if c.envErr != nil {
			c.envErr = fmt.Errorf("failed to create CEL environment: %w", c.envErr)
		}
	})
	return c.env, c.envErr
}

func (c *celCompiler) compile(expression string) (cel.Program, error) {
	c.mu.RLock()
	prog, hit := c.programs[expression]
	c.mu.RUnlock()
	if hit {
		return prog, nil
	}

	env, err := c.environment()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prog, hit = c.programs[expression]; hit {
		return prog, nil
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err = env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.programs[expression] = prog
	return prog, nil
}

// CELPath is a key path written as a CEL expression over the variable "item",
// e.g. `item.wallet[0].value` or `item["display name"]`.
type CELPath struct {
	expression string
	program    cel.Program
}

// CompileCELPath compiles expression into a key path
func CompileCELPath(expression string) (*CELPath, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty CEL path", ErrInvalidConfiguration)
	}

	prog, err := defaultCELCompiler.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: CEL path %q: %v", ErrInvalidConfiguration, expression, err)
	}

	return &CELPath{expression: expression, program: prog}, nil
}

// Resolve evaluates the expression with data bound to "item".
// Missing keys and out of range indices are reported as ErrPathNotFound.
func (p *CELPath) Resolve(ctx context.Context, data Value) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}

	out, _, err := p.program.ContextEval(ctx, map[string]any{celItemVar: data.Any()})
	if err != nil {
		if isCELMissing(err) {
			return Value{}, fmt.Errorf("%w: %q: %v", ErrPathNotFound, p.expression, err)
		}
		if strings.Contains(err.Error(), "no such overload") {
			return Value{}, fmt.Errorf("%w: %q: %v", ErrTypeMismatch, p.expression, err)
		}
		return Value{}, fmt.Errorf("CEL path %q eval error: %w", p.expression, err)
	}

	v, err := fromCEL(out)
	if err != nil {
		return Value{}, fmt.Errorf("CEL path %q: %w", p.expression, err)
	}
	return v, nil
}

func (p *CELPath) String() string { return celPrefix + p.expression }

// isCELMissing reports whether an evaluation error means the addressed data does not exist
func isCELMissing(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"no such key", "no such attribute", "no such field", "out of range"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func fromCEL(out ref.Val) (Value, error) {
	if out == nil || out.Type() == types.NullType {
		return Null(), nil
	}

	switch val := out.(type) {
	case traits.Mapper:
		fields := make(map[string]Value)
		it := val.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			name, ok := key.Value().(string)
			if !ok {
				return Value{}, fmt.Errorf("unsupported CEL map key type %s", key.Type().TypeName())
			}
			elem, found := val.Find(key)
			if !found {
				continue
			}
			field, err := fromCEL(elem)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", name, err)
			}
			fields[name] = field
		}
		return Map(fields), nil
	case traits.Lister:
		var items []Value
		it := val.Iterator()
		for i := 0; it.HasNext() == types.True; i++ {
			item, err := fromCEL(it.Next())
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, item)
		}
		return List(items...), nil
	}

	v, err := FromAny(out.Value())
	if err != nil {
		return Value{}, fmt.Errorf("unsupported CEL result type %s: %w", out.Type().TypeName(), err)
	}
	return v, nil
}
