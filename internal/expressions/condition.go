package expressions

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// conditionPattern matches the native condition grammar:
//
//	$.name.field <op> literal
//
// where <op> is one of >, <, >=, <=, ==, != and the literal is a number,
// a quoted string, true, false, or null.
var conditionPattern = regexp.MustCompile(`^\s*\$\.([A-Za-z_][\w-]*(?:\.[\w-]+)*)\s*(>=|<=|==|!=|>|<)\s*(.+?)\s*$`)

// Condition is a parsed native comparison expression.
type Condition struct {
	Path    string
	Op      string
	Literal any
}

// ParseCondition parses a native condition expression. Malformed
// expressions are configuration errors.
func ParseCondition(expr string) (*Condition, error) {
	m := conditionPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"malformed condition %q: expected $.name.field <op> literal", expr)
	}
	lit, err := parseLiteral(m[3])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"malformed condition literal %q in %q", m[3], expr).WithCause(err)
	}
	return &Condition{Path: m[1], Op: m[2], Literal: lit}, nil
}

// parseLiteral accepts numbers, single- or double-quoted strings, true,
// false, and null.
func parseLiteral(s string) (any, error) {
	switch {
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case s == "null":
		return nil, nil
	case len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\''):
		return s[1 : len(s)-1], nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Evaluate resolves the path against the scope and compares it with the
// literal. An unresolvable path or an incomparable type pairing is a
// typed error, never a silent false.
func (c *Condition) Evaluate(scope map[string]any) (bool, error) {
	val, ok := lookupPath(scope, c.Path)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTemplate,
			"condition path $.%s does not resolve", c.Path).
			WithDetails(map[string]any{"path": c.Path})
	}
	return compare(val, c.Op, c.Literal, c.Path)
}

func compare(val any, op string, lit any, path string) (bool, error) {
	// Numbers compare numerically regardless of the concrete Go type.
	if vn, vok := toFloat(val); vok {
		ln, lok := toFloat(lit)
		if !lok {
			return false, mismatch(path, val, lit)
		}
		return compareOrdered(vn, ln, op), nil
	}

	switch v := val.(type) {
	case string:
		l, ok := lit.(string)
		if !ok {
			return false, mismatch(path, val, lit)
		}
		return compareOrdered(v, l, op), nil
	case bool:
		l, ok := lit.(bool)
		if !ok || (op != "==" && op != "!=") {
			return false, mismatch(path, val, lit)
		}
		if op == "==" {
			return v == l, nil
		}
		return v != l, nil
	case nil:
		if op == "==" {
			return lit == nil, nil
		}
		if op == "!=" {
			return lit != nil, nil
		}
		return false, mismatch(path, val, lit)
	default:
		return false, mismatch(path, val, lit)
	}
}

func compareOrdered[T float64 | string](a, b T, op string) bool {
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func mismatch(path string, val, lit any) error {
	return schema.NewErrorf(schema.ErrCodeTemplate,
		"condition type mismatch at $.%s: cannot compare %T with %T", path, val, lit).
		WithDetails(map[string]any{"path": path})
}

// NativeEngine evaluates the native condition grammar as an Engine.
// The data map is the flat resolution scope ("input" plus step outputs).
type NativeEngine struct{}

// NewNativeEngine creates the native condition engine.
func NewNativeEngine() *NativeEngine { return &NativeEngine{} }

// Name returns the engine identifier.
func (e *NativeEngine) Name() string { return schema.EngineNative }

// Evaluate parses and evaluates a native condition against the scope.
func (e *NativeEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	cond, err := ParseCondition(expression)
	if err != nil {
		return nil, err
	}
	return cond.Evaluate(data)
}

var _ Engine = (*NativeEngine)(nil)

// splitPath is shared by the output-mapping fast path.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}
