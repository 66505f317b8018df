package expressions

import (
	"sync"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// ContextStore holds the accumulated execution context: the frozen input
// payload plus committed step outputs keyed by step name. Entries are
// write-once; a second commit under the same name is a conflict.
// Safe for concurrent use.
type ContextStore struct {
	mu      sync.RWMutex
	input   map[string]any
	outputs map[string]any
}

// NewContextStore creates a store with a deep copy of the input payload,
// so later caller mutations cannot leak into running executions.
func NewContextStore(input map[string]any) *ContextStore {
	return &ContextStore{
		input:   deepCopyMap(input),
		outputs: make(map[string]any),
	}
}

// Input returns a deep copy of the frozen input payload.
func (c *ContextStore) Input() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.input)
}

// Commit stores a step's output under its name. Committing the same name
// twice is a CONFLICT: context entries are append-only.
func (c *ContextStore) Commit(name string, output any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"context entry %q already committed", name)
	}
	c.outputs[name] = deepCopyValue(output)
	return nil
}

// Outputs returns a deep copy of all committed step outputs.
func (c *ContextStore) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.outputs)
}

// Get returns the committed output for a step name.
func (c *ContextStore) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[name]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Scope builds the flat resolution scope for templates and native
// conditions: the reserved "input" entry plus every committed step output
// under its own name. The returned map is a deep copy.
func (c *ContextStore) Scope() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	scope := make(map[string]any, len(c.outputs)+1)
	scope["input"] = deepCopyMap(c.input)
	for k, v := range c.outputs {
		scope[k] = deepCopyValue(v)
	}
	return scope
}

// Snapshot produces an isolated copy for a parallel branch. Writes to the
// snapshot never reach the parent; the parent merges group results itself
// once its wait strategy is satisfied.
func (c *ContextStore) Snapshot() *ContextStore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &ContextStore{
		input:   deepCopyMap(c.input),
		outputs: deepCopyMap(c.outputs),
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		// Scalars are immutable.
		return v
	}
}
