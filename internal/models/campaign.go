package models

import (
	"errors"
	"time"
)

var (
	ErrCampaignNotFound          = errors.New("campaign not found")
	ErrCampaignExecutionNotFound = errors.New("campaign execution not found")
)

// CampaignStepType identifies the role of a campaign step.
type CampaignStepType string

const (
	CampaignStepMessage CampaignStepType = "message"
	CampaignStepOffer   CampaignStepType = "offer"
	CampaignStepTask    CampaignStepType = "task"
)

// ExitAction is the routing action of a campaign exit rule.
type ExitAction string

const (
	ExitActionSkip   ExitAction = "skip"
	ExitActionExit   ExitAction = "exit_sequence"
	ExitActionMoveTo ExitAction = "move_to_step"
)

// ExitRule routes a campaign instance when its condition holds at step
// activation time.
type ExitRule struct {
	When   Condition  `json:"when"`
	Action ExitAction `json:"action"`
	// TargetStep is the zero-based step index for move_to_step.
	TargetStep int `json:"target_step,omitempty"`
}

// CampaignStep is one ordered step of a linear campaign sequence.
type CampaignStep struct {
	ID   string           `json:"id"`
	Name string           `json:"name,omitempty"`
	Type CampaignStepType `json:"type"`
	// DelayHours is how long after the previous step this step runs.
	DelayHours     float64    `json:"delay_hours"`
	EntryCondition *Condition `json:"entry_condition,omitempty"`
	ExitRules      []ExitRule `json:"exit_rules,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	// RecipientField names the client field holding the recipient address.
	RecipientField string  `json:"recipient_field,omitempty"`
	Message        string  `json:"message,omitempty"`
	OfferValue     float64 `json:"offer_value,omitempty"`
}

// NoResponseRule escalates an instance that has executed at least
// MinExecutedSteps actions and received no response for AfterHours.
type NoResponseRule struct {
	AfterHours       float64 `json:"after_hours"`
	MinExecutedSteps int     `json:"min_executed_steps,omitempty"`
	NotifyChannel    string  `json:"notify_channel,omitempty"`
	NotifyRecipient  string  `json:"notify_recipient,omitempty"`
}

// Campaign is a linear retention/intervention sequence definition.
type Campaign struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Steps []CampaignStep `json:"steps"`
	// CooldownPeriodHours blocks a new instance for the same client until
	// this long after the prior instance's creation.
	CooldownPeriodHours float64         `json:"cooldown_period_hours,omitempty"`
	NoResponse          *NoResponseRule `json:"no_response,omitempty"`
	SegmentID           string          `json:"segment_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// CampaignExecutionStatus is the lifecycle of a campaign instance.
type CampaignExecutionStatus string

const (
	CampaignStatusActive    CampaignExecutionStatus = "active"
	CampaignStatusCompleted CampaignExecutionStatus = "completed"
	CampaignStatusExited    CampaignExecutionStatus = "exited"
	CampaignStatusConverted CampaignExecutionStatus = "converted"
	CampaignStatusCancelled CampaignExecutionStatus = "cancelled"
)

// IsTerminal reports whether the instance can still progress.
func (s CampaignExecutionStatus) IsTerminal() bool {
	return s != CampaignStatusActive
}

// CampaignStepRecord logs one executed (or skipped) campaign step.
type CampaignStepRecord struct {
	StepID     string    `json:"step_id"`
	StepIndex  int       `json:"step_index"`
	ExecutedAt time.Time `json:"executed_at"`
	Skipped    bool      `json:"skipped,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// CampaignResponse logs one client response against a campaign step.
type CampaignResponse struct {
	StepID       string    `json:"step_id"`
	ResponseType string    `json:"response_type"`
	Content      string    `json:"content,omitempty"`
	Positive     bool      `json:"positive"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Response types classified as a positive offer outcome.
var positiveResponseTypes = map[string]bool{
	"accepted":   true,
	"positive":   true,
	"interested": true,
}

// IsPositiveResponse reports whether a response type counts as a positive
// classification for conversion detection.
func IsPositiveResponse(responseType string) bool {
	return positiveResponseTypes[responseType]
}

// CampaignExecution is a running campaign instance for one client. The
// CreatedAt timestamp anchors the campaign cooldown.
type CampaignExecution struct {
	ID              string                  `json:"id"`
	CampaignID      string                  `json:"campaign_id"`
	ClientID        string                  `json:"client_id"`
	Status          CampaignExecutionStatus `json:"status"`
	CurrentStep     int                     `json:"current_step"`
	ExecutedSteps   []CampaignStepRecord    `json:"executed_steps,omitempty"`
	Responses       []CampaignResponse      `json:"responses,omitempty"`
	EscalationLevel int                     `json:"escalation_level"`
	Converted       bool                    `json:"converted"`
	ConversionValue float64                 `json:"conversion_value,omitempty"`
	ConvertedAt     *time.Time              `json:"converted_at,omitempty"`
	Unsubscribed    bool                    `json:"unsubscribed,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}
