package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// TemplatePolicy controls what happens when a placeholder cannot be
// resolved against the scope.
type TemplatePolicy string

const (
	// TemplateLenient leaves the literal placeholder text in place.
	TemplateLenient TemplatePolicy = "lenient"
	// TemplateStrict fails the step with a template resolution error.
	TemplateStrict TemplatePolicy = "strict"
)

// placeholderPattern matches {name.field.subfield} references. The first
// segment is "input" or a step name; the rest is a dot path into the
// value. Path segments descend nested mappings only; sequences cannot be
// indexed by a placeholder, and a path that dead-ends in a list is simply
// unresolved. Reshaping list output is what output_mapping (jq) is for.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][\w-]*(?:\.[\w-]+)*)\}`)

// Resolver substitutes {name.field} placeholders in strings, maps, and
// slices against a resolution scope.
type Resolver struct {
	policy TemplatePolicy
}

// NewResolver creates a Resolver with the given unresolved-placeholder policy.
func NewResolver(policy TemplatePolicy) *Resolver {
	if policy == "" {
		policy = TemplateLenient
	}
	return &Resolver{policy: policy}
}

// Policy returns the configured placeholder policy.
func (r *Resolver) Policy() TemplatePolicy { return r.policy }

// ResolveMap resolves every string value in the map recursively. Keys are
// never templated. Non-string leaves pass through unchanged.
func (r *Resolver) ResolveMap(m map[string]any, scope map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := r.ResolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveValue resolves placeholders in a value of any shape.
func (r *Resolver) ResolveValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(val, scope)
	case map[string]any:
		return r.ResolveMap(val, scope)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			resolved, err := r.ResolveString(s, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves placeholders and always returns a string.
func (r *Resolver) ResolveString(s string, scope map[string]any) (string, error) {
	resolved, err := r.resolveString(s, scope)
	if err != nil {
		return "", err
	}
	if str, ok := resolved.(string); ok {
		return str, nil
	}
	return marshalInline(resolved), nil
}

// resolveString substitutes placeholders in a string. When the whole string
// is exactly one placeholder the resolved value keeps its type; otherwise
// values are inlined into the surrounding text. A string with no
// placeholders is returned unchanged, so resolution is idempotent.
func (r *Resolver) resolveString(s string, scope map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		val, ok := lookupPath(scope, path)
		if !ok {
			return r.unresolved(s, path)
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		val, ok := lookupPath(scope, path)
		if !ok {
			if r.policy == TemplateStrict {
				return nil, unresolvedError(path)
			}
			b.WriteString(s[m[0]:m[1]]) // leave the literal placeholder
		} else {
			b.WriteString(marshalInline(val))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Resolver) unresolved(original, path string) (any, error) {
	if r.policy == TemplateStrict {
		return nil, unresolvedError(path)
	}
	return original, nil
}

func unresolvedError(path string) error {
	return schema.NewErrorf(schema.ErrCodeTemplate,
		"unresolved template reference {%s}", path).
		WithDetails(map[string]any{"reference": path})
}

// lookupPath walks a dot path through nested maps. The first segment is
// looked up in the scope root; only map[string]any containers can be
// descended into.
func lookupPath(scope map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = scope
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

// marshalInline renders a value for embedding inside a larger string.
// Strings are inlined raw; everything else is compact JSON.
func marshalInline(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// ExtractRefs returns the root names referenced by placeholders in a value,
// used by definition-time validation to flag forward references.
func ExtractRefs(v any) []string {
	seen := make(map[string]struct{})
	collectRefs(v, seen)
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	return refs
}

func collectRefs(v any, seen map[string]struct{}) {
	switch val := v.(type) {
	case string:
		for _, m := range placeholderPattern.FindAllStringSubmatch(val, -1) {
			root := strings.SplitN(m[1], ".", 2)[0]
			seen[root] = struct{}{}
		}
	case map[string]any:
		for _, item := range val {
			collectRefs(item, seen)
		}
	case map[string]string:
		for _, item := range val {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range val {
			collectRefs(item, seen)
		}
	}
}
