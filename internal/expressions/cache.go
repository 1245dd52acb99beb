package expressions

import (
	"sync"

	"github.com/rendis/hookflow/pkg/schema"
)

// programCache memoizes compiled expressions by source text. Compiled
// programs are immutable and safe to share between runs.
type programCache[P any] struct {
	compile func(expression string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError marks a bad expression as a definition problem.
func compileError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// evalError marks a failure while running a valid expression.
func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeActionExecution, "%s evaluation failed for %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func emptyExpression(lang string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}
