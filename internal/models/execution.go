package models

import "time"

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// BranchState is the per-active-branch state machine.
type BranchState string

const (
	BranchPending   BranchState = "pending"
	BranchRunning   BranchState = "running"
	BranchCompleted BranchState = "completed"
	BranchSkipped   BranchState = "skipped"
	BranchFailed    BranchState = "failed"
	BranchBlocked   BranchState = "blocked"
)

// Blocked-branch reason codes surfaced in execution snapshots.
const (
	BlockedReasonInvalidTransition   = "invalid_transition"
	BlockedReasonEscalationExhausted = "timeout_escalation_exhausted"
	BlockedReasonStepFailed          = "step_execution_failed"
)

// ActiveBranch is one currently-active step position of an execution.
// Parallel fan-out yields multiple simultaneous branches.
type ActiveBranch struct {
	StepID        string      `json:"step_id"`
	State         BranchState `json:"state"`
	EnteredAt     time.Time   `json:"entered_at"`
	AssigneeID    string      `json:"assignee_id,omitempty"`
	WaitUntil     *time.Time  `json:"wait_until,omitempty"`
	BlockedReason string      `json:"blocked_reason,omitempty"`
}

// Step history outcome values.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeEscalated = "escalated"
	OutcomeCancelled = "cancelled"
	OutcomeBlocked   = "blocked"
)

// StepRecord is one step-history entry of an execution.
type StepRecord struct {
	StepID     string     `json:"step_id"`
	EnteredAt  time.Time  `json:"entered_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// WorkflowExecution is a running instance of a template pinned to one
// (template, version) pair and one business context.
type WorkflowExecution struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	ClientID        string          `json:"client_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Branches        []ActiveBranch  `json:"branches"`
	Variables       map[string]any  `json:"variables,omitempty"`
	History         []StepRecord    `json:"history,omitempty"`
	// FanIn tracks, per target step, which inbound edges have fired since
	// the step's last exit. A step with N inbound edges activates only once
	// all N appear here.
	FanIn map[string][]string `json:"fan_in,omitempty"`
	// RevisitCounts counts re-activations through revision back-edges.
	RevisitCounts   map[string]int `json:"revisit_counts,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// BlockedBranches returns the blocked branches with their reasons.
func (e *WorkflowExecution) BlockedBranches() []ActiveBranch {
	var blocked []ActiveBranch
	for _, b := range e.Branches {
		if b.State == BranchBlocked || b.State == BranchFailed {
			blocked = append(blocked, b)
		}
	}
	return blocked
}

// Branch returns the active branch positioned at stepID, or nil.
func (e *WorkflowExecution) Branch(stepID string) *ActiveBranch {
	for i := range e.Branches {
		if e.Branches[i].StepID == stepID {
			return &e.Branches[i]
		}
	}
	return nil
}

// EdgeFired reports whether the given inbound edge has fired for stepID
// since its last exit.
func (e *WorkflowExecution) EdgeFired(stepID, edgeKey string) bool {
	for _, k := range e.FanIn[stepID] {
		if k == edgeKey {
			return true
		}
	}
	return false
}

// MarkEdgeFired records an inbound edge firing for stepID.
func (e *WorkflowExecution) MarkEdgeFired(stepID, edgeKey string) {
	if e.FanIn == nil {
		e.FanIn = make(map[string][]string)
	}
	if !e.EdgeFired(stepID, edgeKey) {
		e.FanIn[stepID] = append(e.FanIn[stepID], edgeKey)
	}
}

// ResetFanIn clears the inbound-edge arrivals for stepID. Called when the
// step activates or exits so the barrier re-arms.
func (e *WorkflowExecution) ResetFanIn(stepID string) {
	if e.FanIn != nil {
		delete(e.FanIn, stepID)
	}
}
