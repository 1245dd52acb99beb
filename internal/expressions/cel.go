package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEngine evaluates CEL with the payload bound to the single variable
// `payload`. Long comprehensions honour context cancellation.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("cel", src, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("cel", src, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("cel")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"payload": data})
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return fromCEL(out), nil
}

// fromCEL unwraps CEL values into plain maps, slices and scalars so results
// can live in the payload and be stored as JSON.
func fromCEL(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case ref.Val:
		if val.Type() == types.NullType {
			return nil
		}
		return fromCEL(val.Value())
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k.Value())] = fromCEL(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromCEL(item)
		}
		return out
	case []ref.Val:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromCEL(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromCEL(item)
		}
		return out
	default:
		return v
	}
}

var _ Engine = (*CELEngine)(nil)
