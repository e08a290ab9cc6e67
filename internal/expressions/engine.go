package expressions

import (
	"context"

	"github.com/piehands/campaignd/pkg/schema"
)

// Engine evaluates a condition-edge expression against the enrollment scope.
// Three implementations: Expr (default), CEL, and JQ for probing raw event
// payloads. The scope map carries four top-level keys:
//   - user:       the enrolled user's properties and deliverability status
//   - event:      the tracked event that woke the enrollment, if any
//   - enrollment: current node, status, timestamps
//   - campaign:   campaign id and name
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}

// scopeKeys are the top-level variables every engine exposes.
var scopeKeys = []string{"user", "event", "enrollment", "campaign"}

// Registry resolves the condition language declared on a condition node to
// an engine instance. Engines are shared and safe for concurrent use.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry with all three engines. CEL environment
// construction can fail; the error is surfaced so wiring fails loudly
// instead of silently dropping a language.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine, 3)}
	for _, e := range []Engine{NewExprEngine(), celEngine, NewJQEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// ForLanguage returns the engine for the given language, defaulting to expr
// when the language is empty. Unknown languages are a validation error.
func (r *Registry) ForLanguage(language string) (Engine, error) {
	if language == "" {
		language = "expr"
	}
	e, ok := r.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language: %s", language)
	}
	return e, nil
}

// Truthy folds an evaluation result into a branch decision. Conditions
// normally return booleans; non-boolean results follow jq-style truthiness
// so `.event.properties.plan` style probes work as guards.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// normalizeScope fills missing scope keys with empty maps so expressions can
// reference any top-level variable without nil-deref errors.
func normalizeScope(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scopeKeys))
	for _, key := range scopeKeys {
		if v, ok := scope[key]; ok && v != nil {
			out[key] = v
		} else {
			out[key] = map[string]any{}
		}
	}
	return out
}
