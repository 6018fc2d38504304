package expressions

import (
	"context"

	"github.com/rendis/seqflow/pkg/schema"
)

// Engine evaluates trigger-condition expressions against a decoded event.
// Three implementations: Expr (general logic), CEL (guard conditions),
// GoJQ (nested JSON path tests).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the engines by name. The zero value is unusable; build
// one with NewRegistry.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds the standard engine set.
func NewRegistry() (*Registry, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Registry{engines: map[string]Engine{
		"expr": NewExprEngine(),
		"cel":  celEng,
		"jq":   NewGoJQEngine(),
	}}, nil
}

// Get returns the engine for the given name; empty name defaults to expr.
func (r *Registry) Get(name string) (Engine, error) {
	if name == "" {
		name = "expr"
	}
	eng, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
	return eng, nil
}

// EvalCondition evaluates an expression and coerces the result to a
// boolean. jq's convention applies: nil and false are false, everything
// else is true.
func (r *Registry) EvalCondition(ctx context.Context, engineName, expression string, data map[string]any) (bool, error) {
	eng, err := r.Get(engineName)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return true, nil
	}
}
