// Package models defines the core data structures for AdvisorFlow.
//
// It includes workflow templates, executions, team roster, campaign and
// segment types shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the workflow core. Handlers and callers match on these
// with errors.Is.
var (
	ErrTemplateNotFound           = errors.New("template not found")
	ErrMissingRequiredVariable    = errors.New("missing required variable")
	ErrInvalidTransition          = errors.New("no matching or default edge")
	ErrAssignmentUnavailable      = errors.New("no qualified resource available")
	ErrStepExecutionFailed        = errors.New("step execution failed")
	ErrTimeoutEscalationExhausted = errors.New("timeout escalation path exhausted")
	ErrExecutionNotFound          = errors.New("execution not found")
	ErrConcurrencyLimit           = errors.New("max concurrent instances reached")
	ErrCooldownActive             = errors.New("cooldown period has not elapsed")
)

// StepKind identifies the behavior of a workflow step.
type StepKind string

const (
	StepKindStart      StepKind = "start"
	StepKindEnd        StepKind = "end"
	StepKindTask       StepKind = "task"
	StepKindAutomation StepKind = "automation"
	StepKindDecision   StepKind = "decision"
	StepKindDelay      StepKind = "delay"
)

// IsValidStepKind checks if the given step kind is supported.
func IsValidStepKind(k StepKind) bool {
	switch k {
	case StepKindStart, StepKindEnd, StepKindTask, StepKindAutomation, StepKindDecision, StepKindDelay:
		return true
	default:
		return false
	}
}

// VariableType defines the type of a template variable.
type VariableType string

const (
	VariableTypeString  VariableType = "string"
	VariableTypeNumber  VariableType = "number"
	VariableTypeBoolean VariableType = "boolean"
	VariableTypeDate    VariableType = "date"
)

// VariableDef declares a typed template variable.
type VariableDef struct {
	Name     string       `json:"name"`
	Type     VariableType `json:"type"`
	Required bool         `json:"required"`
	Default  any          `json:"default,omitempty"`
}

// Operator is a comparison operator usable in guard and segment conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Condition is a single boolean criterion over a dotted-path field.
// A condition with an empty Field or a nil Value does not constrain the
// outcome and evaluates true.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// TriggerType identifies how an execution gets created.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeSchedule TriggerType = "scheduled"
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeDeadline TriggerType = "deadline"
	TriggerTypeSegment  TriggerType = "segment"
)

// Trigger declares an instance-creation rule on a template.
type Trigger struct {
	Type TriggerType `json:"type"`
	// Cron is the schedule expression for scheduled triggers.
	Cron string `json:"cron,omitempty"`
	// Event is the event name for event triggers.
	Event string `json:"event,omitempty"`
	// DeadlineField names a client date field for deadline-proximity triggers.
	DeadlineField string `json:"deadline_field,omitempty"`
	// DeadlineWithinHours is the proximity window for deadline triggers.
	DeadlineWithinHours float64 `json:"deadline_within_hours,omitempty"`
	// SegmentID gates instance creation on a client segment match.
	SegmentID string `json:"segment_id,omitempty"`
}

// AssigneeRuleKind identifies how a task step selects its owner.
type AssigneeRuleKind string

const (
	AssigneeAutoBySkill AssigneeRuleKind = "auto_by_skill"
	AssigneeFixedRole   AssigneeRuleKind = "fixed_role"
	AssigneeFixedUser   AssigneeRuleKind = "fixed_user"
)

// AssigneeRule declares how a task step is assigned.
type AssigneeRule struct {
	Kind           AssigneeRuleKind `json:"kind"`
	SkillsRequired []string         `json:"skills_required,omitempty"`
	Role           string           `json:"role,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	EstimatedHours float64          `json:"estimated_hours,omitempty"`
}

// TimeoutAction defines what happens when a step timeout expires.
type TimeoutAction string

const (
	TimeoutActionEscalate TimeoutAction = "escalate"
	TimeoutActionFail     TimeoutAction = "fail"
)

// TimeUnit is the unit of a timeout or delay duration.
type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
)

// TimeoutPolicy declares a step timeout and the on-expiry action.
type TimeoutPolicy struct {
	Duration int           `json:"duration"`
	Unit     TimeUnit      `json:"unit"`
	OnExpiry TimeoutAction `json:"on_expiry"`
}

// ToDuration converts the policy duration to a time.Duration.
func (p TimeoutPolicy) ToDuration() time.Duration {
	return durationIn(p.Duration, p.Unit)
}

func durationIn(n int, unit TimeUnit) time.Duration {
	switch unit {
	case UnitMinutes:
		return time.Duration(n) * time.Minute
	case UnitDays:
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Duration(n) * time.Hour
	}
}

// TaskConfig configures a human task step.
type TaskConfig struct {
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	EstimatedHours float64 `json:"estimated_hours,omitempty"`
}

// AutomationConfig configures an automation step. The action is executed as
// a side-effecting command through the outbox dispatcher.
type AutomationConfig struct {
	Action    string            `json:"action"`
	Channel   string            `json:"channel,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Message   string            `json:"message,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// DecisionConfig configures a decision (quality gate) step. Outgoing edges
// carry thresholds over the named score variable.
type DecisionConfig struct {
	ScoreVariable string `json:"score_variable"`
}

// DelayConfig configures a delay step.
type DelayConfig struct {
	Duration int      `json:"duration"`
	Unit     TimeUnit `json:"unit"`
}

// ToDuration converts the delay to a time.Duration.
func (c DelayConfig) ToDuration() time.Duration {
	return durationIn(c.Duration, c.Unit)
}

// StepConfig is the tagged per-kind configuration of a step. Exactly the
// field matching the step kind must be set.
type StepConfig struct {
	Task       *TaskConfig       `json:"task,omitempty"`
	Automation *AutomationConfig `json:"automation,omitempty"`
	Decision   *DecisionConfig   `json:"decision,omitempty"`
	Delay      *DelayConfig      `json:"delay,omitempty"`
}

// Step is a unit of work or decision point in a template.
type Step struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Kind            StepKind       `json:"kind"`
	Config          StepConfig     `json:"config,omitempty"`
	Assignee        *AssigneeRule  `json:"assignee,omitempty"`
	Timeout         *TimeoutPolicy `json:"timeout,omitempty"`
	EntryConditions []Condition    `json:"entry_conditions,omitempty"`
	// Terminal marks a non-end step that intentionally has no outgoing edges.
	Terminal bool `json:"terminal,omitempty"`
}

// Edge is a directed, optionally guarded link between two steps.
type Edge struct {
	Source string     `json:"source"`
	Target string     `json:"target"`
	Guard  *Condition `json:"guard,omitempty"`
	Label  string     `json:"label,omitempty"`
	// Threshold applies to edges leaving a decision step: the edge with the
	// highest threshold the score exceeds is selected.
	Threshold *float64 `json:"threshold,omitempty"`
	// Revision flags a deliberate back-edge (e.g. review -> data entry).
	// Unflagged back-edges fail template validation.
	Revision bool `json:"revision,omitempty"`
}

// Key returns a stable identifier for the edge within its template.
func (e Edge) Key() string {
	if e.Label != "" {
		return fmt.Sprintf("%s->%s#%s", e.Source, e.Target, e.Label)
	}
	return fmt.Sprintf("%s->%s", e.Source, e.Target)
}

// EscalationEntry is one entry of a template's ordered escalation path.
type EscalationEntry struct {
	NotifyChannel   string `json:"notify_channel"`
	NotifyRecipient string `json:"notify_recipient"`
	Message         string `json:"message,omitempty"`
	ReassignRole    string `json:"reassign_role,omitempty"`
}

// TemplateSettings holds per-template execution defaults.
type TemplateSettings struct {
	MaxConcurrentInstances int               `json:"max_concurrent_instances,omitempty"`
	DefaultTimeout         *TimeoutPolicy    `json:"default_timeout,omitempty"`
	EscalationPath         []EscalationEntry `json:"escalation_path,omitempty"`
	// ExhaustionFails maps escalation-path exhaustion to branch failure
	// instead of the default blocked state.
	ExhaustionFails bool `json:"exhaustion_fails,omitempty"`
	// EstimatedBaseHours is the baseline used for duration prediction.
	EstimatedBaseHours float64 `json:"estimated_base_hours,omitempty"`
}

// WorkflowTemplate is an immutable, versioned workflow definition. A version
// referenced by any non-terminal execution is never mutated.
type WorkflowTemplate struct {
	ID          string           `json:"id"`
	Version     int              `json:"version"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Steps       []Step           `json:"steps"`
	Edges       []Edge           `json:"edges"`
	Variables   []VariableDef    `json:"variables,omitempty"`
	Triggers    []Trigger        `json:"triggers,omitempty"`
	Settings    TemplateSettings `json:"settings,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// StepByID returns the step with the given id, or nil.
func (t *WorkflowTemplate) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// StartStep returns the template's start step, or nil.
func (t *WorkflowTemplate) StartStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Kind == StepKindStart {
			return &t.Steps[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving stepID in declaration order.
func (t *WorkflowTemplate) OutgoingEdges(stepID string) []Edge {
	var out []Edge
	for _, e := range t.Edges {
		if e.Source == stepID {
			out = append(out, e)
		}
	}
	return out
}

// InboundEdges returns the edges entering stepID in declaration order.
func (t *WorkflowTemplate) InboundEdges(stepID string) []Edge {
	var in []Edge
	for _, e := range t.Edges {
		if e.Target == stepID {
			in = append(in, e)
		}
	}
	return in
}

// TimeoutFor resolves the effective timeout policy for a step, falling back
// to the template default.
func (t *WorkflowTemplate) TimeoutFor(step *Step) *TimeoutPolicy {
	if step.Timeout != nil {
		return step.Timeout
	}
	return t.Settings.DefaultTimeout
}
