package expressions

import (
	"context"
	"maps"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. Payload keys are top-level
// variables and the whole payload is also bound as `payload`, so both
// `user.name` and `payload.user.name` work.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	// No typed environment: payload shapes differ between runs of the same
	// workflow.
	return &ExprEngine{programs: newProgramCache(func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", src, err)
		}
		return prg, nil
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(data)+1)
	maps.Copy(env, data)
	if _, ok := env["payload"]; !ok {
		env["payload"] = data
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
