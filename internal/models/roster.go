package models

// TeamMember is one member of the team roster. Workload and capacity are
// measured in hours.
type TeamMember struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Role            string   `json:"role,omitempty"`
	Skills          []string `json:"skills"`
	Specializations []string `json:"specializations,omitempty"`
	CurrentWorkload float64  `json:"current_workload"`
	MaxCapacity     float64  `json:"max_capacity"`
	// Efficiency is a (0,1] productivity factor.
	Efficiency float64 `json:"efficiency"`
	HourlyRate float64 `json:"hourly_rate"`
	// OverAllocated records workload pushed past max capacity. Assignments
	// are never rejected for capacity, only flagged.
	OverAllocated bool `json:"over_allocated,omitempty"`
}

// HasSkills reports whether the member's skills and specializations cover
// every required skill.
func (m *TeamMember) HasSkills(required []string) bool {
	for _, r := range required {
		if !m.hasSkill(r) {
			return false
		}
	}
	return true
}

func (m *TeamMember) hasSkill(s string) bool {
	for _, have := range m.Skills {
		if have == s {
			return true
		}
	}
	for _, have := range m.Specializations {
		if have == s {
			return true
		}
	}
	return false
}

// Utilization returns workload/capacity clamped to [0,1].
func (m *TeamMember) Utilization() float64 {
	if m.MaxCapacity <= 0 {
		return 1
	}
	u := m.CurrentWorkload / m.MaxCapacity
	if u > 1 {
		return 1
	}
	if u < 0 {
		return 0
	}
	return u
}

// Requirements describe what a step needs from a team member.
type Requirements struct {
	SkillsRequired []string `json:"skills_required"`
	Hours          float64  `json:"hours,omitempty"`
	Role           string   `json:"role,omitempty"`
}

// Complexity grades a workflow for duration prediction.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// DurationEstimate is the output of workflow duration prediction.
type DurationEstimate struct {
	EstimatedHours float64 `json:"estimated_hours"`
	Confidence     float64 `json:"confidence"`
}
