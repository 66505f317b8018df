package expressions

import (
	"context"
	"sync"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// Engine evaluates condition expressions for conditional steps.
// Three implementations: native (comparison grammar), CEL, and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the available condition engines by name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// DefaultRegistry builds a registry with the native, CEL, and Expr engines.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	r.Register(NewNativeEngine())
	r.Register(NewExprEngine())

	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r.Register(celEngine)
	return r, nil
}

// Register adds or replaces an engine under its own name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine registered under name. Empty name selects native.
func (r *Registry) Get(name string) (Engine, error) {
	if name == "" {
		name = schema.EngineNative
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown condition engine %q", name)
	}
	return e, nil
}

// EvaluateBool runs an engine and requires a boolean result. A non-boolean
// result is a typed error: conditions never coerce silently.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTemplate,
			"condition %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "engine": e.Name()})
	}
	return b, nil
}
