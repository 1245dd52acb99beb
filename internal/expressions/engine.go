package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/hookflow/pkg/schema"
)

// Engine evaluates a transform expression against a run payload.
// Three implementations: Expr (default), CEL and GoJQ. None of them can reach
// the filesystem, the network or the process environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultLanguage is used when a transform does not name one.
const DefaultLanguage = "expr"

// Engines is the set of available expression languages keyed by name.
type Engines struct {
	byName map[string]Engine
}

// NewEngines builds the default language set.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEnginesFrom(NewExprEngine(), celEngine, NewGoJQEngine()), nil
}

// NewEnginesFrom registers the given engines under their Name.
func NewEnginesFrom(engines ...Engine) *Engines {
	e := &Engines{byName: make(map[string]Engine, len(engines))}
	for _, eng := range engines {
		e.byName[eng.Name()] = eng
	}
	return e
}

// Get returns the engine for lang. An empty lang selects DefaultLanguage.
func (e *Engines) Get(lang string) (Engine, error) {
	if lang == "" {
		lang = DefaultLanguage
	}
	eng, ok := e.byName[lang]
	if !ok {
		return nil, schema.ConfigurationError("unknown expression language %q; available: %v", lang, e.Names())
	}
	return eng, nil
}

// Names returns the registered language names, sorted.
func (e *Engines) Names() []string {
	names := make([]string, 0, len(e.byName))
	for n := range e.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs expression in the named language and converts a panic inside
// the engine into an error.
func (e *Engines) Evaluate(ctx context.Context, lang, expression string, data map[string]any) (out any, err error) {
	eng, err := e.Get(lang)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeActionExecution,
				"%s evaluation panicked for %q: %v", eng.Name(), expression, r).
				WithDetails(map[string]any{"expression": expression, "panic": fmt.Sprint(r)})
		}
	}()
	return eng.Evaluate(ctx, expression, data)
}
