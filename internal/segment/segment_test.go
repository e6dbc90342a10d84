package segment

import (
	"testing"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

func atRiskSegment() models.Segment {
	return models.Segment{
		ID:   "seg_at_risk",
		Name: "At-risk retirement clients",
		Include: []models.Condition{
			{Field: "plan_type", Operator: models.OpEquals, Value: "retirement"},
			{Field: "health.score", Operator: models.OpLessThan, Value: 50},
		},
		Exclude: []models.Condition{
			{Field: "unsubscribed", Operator: models.OpEquals, Value: true},
		},
	}
}

func TestMatches(t *testing.T) {
	seg := atRiskSegment()
	tests := []struct {
		name   string
		client map[string]any
		want   bool
	}{
		{
			name: "all inclusions hold",
			client: map[string]any{
				"plan_type": "retirement",
				"health":    map[string]any{"score": 35.0},
			},
			want: true,
		},
		{
			name: "one inclusion fails",
			client: map[string]any{
				"plan_type": "retirement",
				"health":    map[string]any{"score": 80.0},
			},
			want: false,
		},
		{
			name: "exclusion vetoes an otherwise matching client",
			client: map[string]any{
				"plan_type":    "retirement",
				"health":       map[string]any{"score": 35.0},
				"unsubscribed": true,
			},
			want: false,
		},
		{
			name: "missing field fails the comparison without panicking",
			client: map[string]any{
				"plan_type": "retirement",
			},
			want: false,
		},
		{
			name:   "nil client record",
			client: nil,
			want:   false,
		},
		{
			name: "missing exclusion field does not veto",
			client: map[string]any{
				"plan_type": "retirement",
				"health":    map[string]any{"score": 10},
			},
			want: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.client, &seg); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesEmptySegmentCriteria(t *testing.T) {
	seg := models.Segment{ID: "seg_all"}
	if !Matches(map[string]any{"anything": 1}, &seg) {
		t.Fatalf("a segment with no criteria matches every client")
	}
	if Matches(map[string]any{}, nil) {
		t.Fatalf("a nil segment matches nothing")
	}
}

type mapClients map[string]map[string]any

func (m mapClients) ClientFields(clientID string) (map[string]any, error) {
	return m[clientID], nil
}

func TestMatcherClientMatches(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveSegment(atRiskSegment()); err != nil {
		t.Fatalf("SaveSegment: %v", err)
	}
	clients := mapClients{
		"client_risky": {"plan_type": "retirement", "health": map[string]any{"score": 20.0}},
		"client_fine":  {"plan_type": "retirement", "health": map[string]any{"score": 90.0}},
	}
	m := NewMatcher(st, clients)

	ok, err := m.ClientMatches("seg_at_risk", "client_risky")
	if err != nil || !ok {
		t.Fatalf("risky client: ok=%v err=%v, want match", ok, err)
	}
	ok, err = m.ClientMatches("seg_at_risk", "client_fine")
	if err != nil || ok {
		t.Fatalf("healthy client: ok=%v err=%v, want no match", ok, err)
	}
	// Unknown clients have no fields and fall outside the segment.
	ok, err = m.ClientMatches("seg_at_risk", "client_ghost")
	if err != nil || ok {
		t.Fatalf("unknown client: ok=%v err=%v, want no match", ok, err)
	}
	// An empty segment id gates nothing.
	ok, err = m.ClientMatches("", "client_ghost")
	if err != nil || !ok {
		t.Fatalf("ungated: ok=%v err=%v, want match", ok, err)
	}
	if _, err := m.ClientMatches("seg_missing", "client_risky"); err == nil {
		t.Fatalf("expected error for unknown segment")
	}
}

func TestMatcherWithoutClientSource(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveSegment(atRiskSegment()); err != nil {
		t.Fatalf("SaveSegment: %v", err)
	}
	if err := st.SaveSegment(models.Segment{ID: "seg_all"}); err != nil {
		t.Fatalf("SaveSegment: %v", err)
	}
	m := NewMatcher(st, nil)

	// No client source: records are empty, so criteria-bearing segments
	// exclude everyone rather than erroring.
	ok, err := m.ClientMatches("seg_at_risk", "client_risky")
	if err != nil || ok {
		t.Fatalf("criteria segment without client source: ok=%v err=%v, want no match", ok, err)
	}
	ok, err = m.ClientMatches("seg_all", "client_risky")
	if err != nil || !ok {
		t.Fatalf("criteria-free segment without client source: ok=%v err=%v, want match", ok, err)
	}
	ok, err = m.ClientMatches("", "client_risky")
	if err != nil || !ok {
		t.Fatalf("ungated: ok=%v err=%v, want match", ok, err)
	}
}
