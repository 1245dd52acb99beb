package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates jq with the payload as the input document, so
// `.user.name` reads payload.user.name. $ENV is empty.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(func(src string) (*gojq.Code, error) {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, compileError("jq", src, err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError("jq", src, err)
		}
		return code, nil
	})}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns the single output of the query, nil for none, or a slice
// when the query emits several values.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	input, err := jqInput(data)
	if err != nil {
		return nil, evalError("jq", expression, err)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqInput re-encodes data through JSON: gojq only accepts the JSON value
// types and action outputs may hold typed slices, integers or time values.
func jqInput(data map[string]any) (any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)
