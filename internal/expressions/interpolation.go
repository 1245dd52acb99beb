package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/hookflow/internal/secrets"
	"github.com/rendis/hookflow/pkg/schema"
)

// InterpolationScope holds all data available for variable resolution.
type InterpolationScope struct {
	Payload  map[string]any // run payload, including outputs of earlier actions
	Workflow map[string]any // workflow metadata (id, name, execution_id)
}

// Interpolator resolves ${{...}} references in action config string values.
// Substituted text is never re-scanned, so a payload value cannot smuggle in
// a secret reference.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for secret resolution.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// ResolveConfig returns a copy of cfg with every string value interpolated.
// A string that is exactly one reference takes the referenced value's type;
// references embedded in longer strings are stringified.
func (interp *Interpolator) ResolveConfig(ctx context.Context, cfg map[string]any, scope *InterpolationScope) (map[string]any, error) {
	out, err := interp.resolveValue(ctx, cfg, scope)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func (interp *Interpolator) resolveValue(ctx context.Context, v any, scope *InterpolationScope) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.ResolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString scans input for ${{...}} tokens and resolves them.
func (interp *Interpolator) ResolveString(ctx context.Context, input string, scope *InterpolationScope) (any, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 && strings.Index(trimmed, "}}") == len(trimmed)-2 {
		return interp.resolveToken(ctx, trimmed[3:len(trimmed)-2], scope)
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		val, err := interp.resolveToken(ctx, input[start:end], scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

func (interp *Interpolator) resolveToken(ctx context.Context, raw string, scope *InterpolationScope) (any, error) {
	expr := strings.TrimSpace(raw)
	if strings.Contains(expr, "${{") {
		return nil, schema.NewError(schema.ErrCodeInterpolation,
			"nested interpolation not allowed: ${{...}} cannot contain ${{")
	}
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
	}
	return interp.resolveExpr(ctx, expr, scope)
}

// resolveExpr resolves a single expression path like "payload.user.email".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	if scope == nil {
		scope = &InterpolationScope{}
	}
	namespace, rest, _ := strings.Cut(expr, ".")

	switch namespace {
	case "payload":
		if rest == "" {
			return scope.Payload, nil
		}
		return resolveFromMap(scope.Payload, rest, expr, "payload")
	case "workflow":
		if rest == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid workflow reference %q: expected workflow.<field>", expr)
		}
		return resolveFromMap(scope.Workflow, rest, expr, "workflow")
	case "secrets":
		return interp.resolveSecret(ctx, rest, expr)
	default:
		available := []string{"payload", "workflow", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSecret resolves secrets.<key> via the Vault.
func (interp *Interpolator) resolveSecret(ctx context.Context, key, expr string) (any, error) {
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr)
	}
	if interp.vault == nil {
		return nil, schema.ConfigurationError("cannot resolve secret %q: no vault configured", key)
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.ConfigurationError("secret %q is not set", key).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).WithCause(err)
	}

	return string(val), nil
}

// resolveFromMap resolves a dot-delimited field path from a map.
func resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace)
	}

	// Direct key lookup first supports keys with dots.
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	current := root

	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i)
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current)
		}
		val, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": keys})
		}
		current = val
	}

	return current, nil
}

// stringify renders a resolved value for embedding inside a longer string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, float64, int, int64:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
