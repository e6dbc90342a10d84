// Package assign selects team members for workflow steps and predicts
// workflow durations from roster efficiency.
//
// Selection is a pure scoring pass over the qualified roster so it can be
// tested without a store; the Assignor wraps it with roster reads and atomic
// workload accounting.
package assign

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

// Score component weights.
const (
	weightAvailability = 0.30
	weightSkillMatch   = 0.30
	weightEfficiency   = 0.25
	weightCost         = 0.15
)

// Complexity multipliers for duration prediction.
var complexityMultiplier = map[models.Complexity]float64{
	models.ComplexitySimple:   0.8,
	models.ComplexityModerate: 1.0,
	models.ComplexityComplex:  1.4,
}

// Assignor picks team members for steps and tracks their workload.
type Assignor struct {
	roster store.RosterStore
}

// NewAssignor creates an Assignor backed by the given roster store.
func NewAssignor(roster store.RosterStore) *Assignor {
	return &Assignor{roster: roster}
}

// Select scores the qualified members of roster against req and returns the
// winner, or nil when nobody qualifies. Ties break by lowest current
// workload, then by lexical ID.
func Select(req models.Requirements, roster []models.TeamMember) *models.TeamMember {
	var qualified []models.TeamMember
	for _, m := range roster {
		if req.Role != "" && m.Role != req.Role {
			continue
		}
		if !m.HasSkills(req.SkillsRequired) {
			continue
		}
		qualified = append(qualified, m)
	}
	if len(qualified) == 0 {
		return nil
	}

	// Cost is normalized against the cheapest qualified candidate so the
	// lowest rate scores a full cost component.
	maxInvCost := 0.0
	for _, m := range qualified {
		if inv := invCost(m.HourlyRate); inv > maxInvCost {
			maxInvCost = inv
		}
	}

	type scored struct {
		member models.TeamMember
		score  float64
	}
	scores := make([]scored, 0, len(qualified))
	for _, m := range qualified {
		costNorm := 0.0
		if maxInvCost > 0 {
			costNorm = invCost(m.HourlyRate) / maxInvCost
		}
		s := weightAvailability*(1-m.Utilization()) +
			weightSkillMatch*skillMatchRatio(&m, req.SkillsRequired) +
			weightEfficiency*m.Efficiency +
			weightCost*costNorm
		scores = append(scores, scored{member: m, score: s})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		if scores[i].member.CurrentWorkload != scores[j].member.CurrentWorkload {
			return scores[i].member.CurrentWorkload < scores[j].member.CurrentWorkload
		}
		return scores[i].member.ID < scores[j].member.ID
	})

	winner := scores[0].member
	return &winner
}

func invCost(rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return 1 / rate
}

func skillMatchRatio(m *models.TeamMember, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	matched := 0
	for _, r := range required {
		if m.HasSkills([]string{r}) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// OptimalResource reads the roster and selects the best qualified member for
// req. Returns ErrAssignmentUnavailable when nobody qualifies; callers hold
// the step pending or escalate.
func (a *Assignor) OptimalResource(req models.Requirements) (*models.TeamMember, error) {
	roster, err := a.roster.ListTeamMembers()
	if err != nil {
		return nil, fmt.Errorf("Assignor.OptimalResource: list roster: %w", err)
	}
	m := Select(req, roster)
	if m == nil {
		slog.Debug("Assignor.OptimalResource: no qualified member", "skills", req.SkillsRequired, "role", req.Role)
		return nil, models.ErrAssignmentUnavailable
	}
	slog.Debug("Assignor.OptimalResource: selected", "memberID", m.ID, "skills", req.SkillsRequired)
	return m, nil
}

// Assign books hours against a member's workload. Over-allocation is
// recorded on the member, never rejected.
func (a *Assignor) Assign(memberID string, hours float64) (*models.TeamMember, error) {
	m, err := a.roster.ApplyWorkloadDelta(memberID, hours)
	if err != nil {
		return nil, fmt.Errorf("Assignor.Assign: %w", err)
	}
	if m.OverAllocated {
		slog.Warn("Assignor.Assign: member over-allocated", "memberID", m.ID, "workload", m.CurrentWorkload, "capacity", m.MaxCapacity)
	}
	return m, nil
}

// Release returns hours to a member's capacity when a step exits.
func (a *Assignor) Release(memberID string, hours float64) (*models.TeamMember, error) {
	m, err := a.roster.ApplyWorkloadDelta(memberID, -hours)
	if err != nil {
		return nil, fmt.Errorf("Assignor.Release: %w", err)
	}
	return m, nil
}

// PredictDuration estimates how long a workflow will take the given team.
//
//	estimatedHours = baseHours * multiplier(complexity) / meanEfficiency
//	confidence     = min(0.95, meanEfficiency*0.9 + 0.1)
func PredictDuration(baseHours float64, team []models.TeamMember, complexity models.Complexity) models.DurationEstimate {
	mult, ok := complexityMultiplier[complexity]
	if !ok {
		mult = complexityMultiplier[models.ComplexityModerate]
	}

	meanEff := meanEfficiency(team)
	if meanEff <= 0 {
		meanEff = 1
	}

	confidence := meanEff*0.9 + 0.1
	if confidence > 0.95 {
		confidence = 0.95
	}

	return models.DurationEstimate{
		EstimatedHours: baseHours * mult / meanEff,
		Confidence:     confidence,
	}
}

func meanEfficiency(team []models.TeamMember) float64 {
	if len(team) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range team {
		sum += m.Efficiency
	}
	return sum / float64(len(team))
}
