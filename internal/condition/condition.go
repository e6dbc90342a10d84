// Package condition evaluates boolean criteria over loosely-typed field
// maps. It backs workflow edge guards, campaign entry/exit rules, and
// segment matching with one shared operator set.
//
// Missing fields evaluate false for comparisons and never panic. A
// condition with no field or no comparison value does not constrain the
// outcome and evaluates true.
package condition

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/markus41/advisorflow/internal/models"
)

// Evaluate returns the truth value of a single condition against fields.
func Evaluate(c models.Condition, fields map[string]any) bool {
	if c.Field == "" {
		return true
	}
	if c.Value == nil && c.Operator != models.OpEquals && c.Operator != models.OpNotEquals {
		// Absent parameter does not constrain the outcome.
		return true
	}

	actual, ok := Lookup(fields, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case models.OpEquals:
		return looseEquals(actual, c.Value)
	case models.OpNotEquals:
		return !looseEquals(actual, c.Value)
	case models.OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case models.OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case models.OpContains:
		return strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(toString(c.Value)))
	case models.OpIn:
		return inList(actual, c.Value)
	case models.OpNotIn:
		return !inList(actual, c.Value)
	default:
		slog.Warn("condition.Evaluate: unknown operator", "operator", c.Operator, "field", c.Field)
		return false
	}
}

// EvaluateAll reports whether every condition is true. An empty list is true.
func EvaluateAll(conds []models.Condition, fields map[string]any) bool {
	for _, c := range conds {
		if !Evaluate(c, fields) {
			return false
		}
	}
	return true
}

// EvaluateAny reports whether at least one condition is true. An empty list
// is false.
func EvaluateAny(conds []models.Condition, fields map[string]any) bool {
	for _, c := range conds {
		if Evaluate(c, fields) {
			return true
		}
	}
	return false
}

// Lookup resolves a dotted path (e.g. "client.health.score") in a nested
// field map. The second return value is false when any path segment is
// missing or a non-map value is traversed.
func Lookup(fields map[string]any, path string) (any, bool) {
	if fields == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = fields
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEquals compares numerically when both sides are numeric, otherwise by
// string representation.
func looseEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b)
}

func inList(actual, listVal any) bool {
	for _, item := range toList(listVal) {
		if looseEquals(actual, item) {
			return true
		}
	}
	return false
}

func toList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	case string:
		parts := strings.Split(list, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		if v == nil {
			return nil
		}
		return []any{v}
	}
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
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case time.Time:
		return float64(n.Unix()), true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
