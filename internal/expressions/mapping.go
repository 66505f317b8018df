package expressions

import (
	"context"
	"regexp"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// simplePathPattern matches the $.a.b fast path for output mappings.
var simplePathPattern = regexp.MustCompile(`^\$\.([A-Za-z_][\w-]*(?:\.[\w-]+)*)$`)

// Mapper reshapes step outputs through output_mapping directives. Simple
// $.a.b paths are traversed directly; anything else is treated as a jq
// program and evaluated with gojq. Thread-safe: compiled programs are
// cached and reused across goroutines.
type Mapper struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewMapper creates an output mapper.
func NewMapper() *Mapper {
	return &Mapper{cache: make(map[string]*gojq.Code)}
}

// Apply evaluates every mapping entry against the raw step output and
// returns the reshaped map. A nil or empty mapping returns nil, meaning
// the raw output should be kept as-is.
func (m *Mapper) Apply(ctx context.Context, mapping map[string]string, output any) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	mapped := make(map[string]any, len(mapping))
	for key, expr := range mapping {
		val, err := m.eval(ctx, expr, output)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"output mapping %q -> %q failed: %s", key, expr, err.Error()).
				WithCause(err)
		}
		mapped[key] = val
	}
	return mapped, nil
}

func (m *Mapper) eval(ctx context.Context, expr string, output any) (any, error) {
	// Fast path: plain $.a.b traversal without invoking jq.
	if pm := simplePathPattern.FindStringSubmatch(expr); pm != nil {
		val, ok := traverse(output, splitPath(pm[1]))
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"path %s does not resolve against step output", expr)
		}
		return val, nil
	}

	code, err := m.getOrCompile(expr)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(output))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, err
		}
		results = append(results, val)
	}

	// jq programs can yield multiple outputs; one output unwraps.
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (m *Mapper) getOrCompile(expr string) (*gojq.Code, error) {
	m.mu.RLock()
	if code, ok := m.cache[expr]; ok {
		m.mu.RUnlock()
		return code, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := m.cache[expr]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"jq parse error in %q: %s", expr, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"jq compile error in %q: %s", expr, err.Error()).WithCause(err)
	}

	m.cache[expr] = code
	return code, nil
}

func traverse(v any, segments []string) (any, bool) {
	current := v
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// normalizeForJQ converts Go native number types to float64, which is
// jq's only number representation.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
