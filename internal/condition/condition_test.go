package condition

import (
	"testing"

	"github.com/markus41/advisorflow/internal/models"
)

func testFields() map[string]any {
	return map[string]any{
		"status":  "active",
		"revenue": 125000.0,
		"tier":    "gold",
		"client": map[string]any{
			"health": map[string]any{
				"score": 42.5,
			},
			"industry": "Manufacturing",
		},
	}
}

func TestEvaluateOperators(t *testing.T) {
	fields := testFields()

	cases := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"equals string", models.Condition{Field: "status", Operator: models.OpEquals, Value: "active"}, true},
		{"equals mismatch", models.Condition{Field: "status", Operator: models.OpEquals, Value: "paused"}, false},
		{"equals numeric string", models.Condition{Field: "revenue", Operator: models.OpEquals, Value: "125000"}, true},
		{"not_equals", models.Condition{Field: "tier", Operator: models.OpNotEquals, Value: "silver"}, true},
		{"greater_than", models.Condition{Field: "revenue", Operator: models.OpGreaterThan, Value: 100000}, true},
		{"greater_than false", models.Condition{Field: "revenue", Operator: models.OpGreaterThan, Value: 200000}, false},
		{"less_than", models.Condition{Field: "client.health.score", Operator: models.OpLessThan, Value: 50}, true},
		{"contains case-insensitive", models.Condition{Field: "client.industry", Operator: models.OpContains, Value: "manu"}, true},
		{"contains miss", models.Condition{Field: "client.industry", Operator: models.OpContains, Value: "retail"}, false},
		{"in list", models.Condition{Field: "tier", Operator: models.OpIn, Value: []any{"gold", "platinum"}}, true},
		{"in string list", models.Condition{Field: "tier", Operator: models.OpIn, Value: "silver, gold"}, true},
		{"not_in", models.Condition{Field: "tier", Operator: models.OpNotIn, Value: []any{"silver"}}, true},
		{"not_in present", models.Condition{Field: "tier", Operator: models.OpNotIn, Value: []any{"gold"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.cond, fields); got != tc.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestEvaluateMissingFieldsNeverPanic(t *testing.T) {
	fields := testFields()

	for _, op := range []models.Operator{
		models.OpEquals, models.OpNotEquals, models.OpGreaterThan,
		models.OpLessThan, models.OpContains, models.OpIn, models.OpNotIn,
	} {
		cond := models.Condition{Field: "missing.deep.path", Operator: op, Value: "x"}
		if Evaluate(cond, fields) {
			t.Errorf("operator %s on missing field should evaluate false", op)
		}
	}

	// Traversing through a non-map leaf must not panic either.
	cond := models.Condition{Field: "status.nested", Operator: models.OpEquals, Value: "x"}
	if Evaluate(cond, fields) {
		t.Error("path through scalar leaf should evaluate false")
	}
	if Evaluate(cond, nil) {
		t.Error("nil field map should evaluate false")
	}
}

func TestEvaluateUnconstrained(t *testing.T) {
	fields := testFields()

	// No field: does not constrain.
	if !Evaluate(models.Condition{Operator: models.OpEquals, Value: "x"}, fields) {
		t.Error("condition without field should not constrain")
	}
	// No value on a threshold-style operator: does not constrain.
	if !Evaluate(models.Condition{Field: "revenue", Operator: models.OpGreaterThan}, fields) {
		t.Error("condition without value should not constrain")
	}
}

func TestEvaluateAllAndAny(t *testing.T) {
	fields := testFields()
	pass := models.Condition{Field: "status", Operator: models.OpEquals, Value: "active"}
	fail := models.Condition{Field: "status", Operator: models.OpEquals, Value: "paused"}

	if !EvaluateAll(nil, fields) {
		t.Error("EvaluateAll(empty) should be true")
	}
	if EvaluateAll([]models.Condition{pass, fail}, fields) {
		t.Error("EvaluateAll with a failing condition should be false")
	}
	if EvaluateAny(nil, fields) {
		t.Error("EvaluateAny(empty) should be false")
	}
	if !EvaluateAny([]models.Condition{fail, pass}, fields) {
		t.Error("EvaluateAny with a passing condition should be true")
	}
}

func TestLookupDottedPath(t *testing.T) {
	fields := testFields()

	v, ok := Lookup(fields, "client.health.score")
	if !ok || v.(float64) != 42.5 {
		t.Errorf("Lookup(client.health.score) = %v, %v", v, ok)
	}
	if _, ok := Lookup(fields, "client.health.missing"); ok {
		t.Error("missing leaf should not resolve")
	}
	if _, ok := Lookup(fields, ""); ok {
		t.Error("empty path should not resolve")
	}
}
