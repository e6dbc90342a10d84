package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

// Timer kind constants for the runner's durable timers.
const (
	TimerKindStepDue    = "campaign_step_due"
	TimerKindNoResponse = "campaign_no_response"
)

// campaignTimerPayload is the JSON payload shared by the runner's timer
// kinds. StepIndex ties the timer to one specific position, so stale timers
// for positions the instance already left are no-ops.
type campaignTimerPayload struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
}

func (p campaignTimerPayload) encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// RegisterJobHandlers registers the runner's timer handlers with the timer
// runner.
func RegisterJobHandlers(timers *store.TimerRunner, r *Runner) {
	timers.RegisterHandler(TimerKindStepDue, makeStepDueHandler(r))
	timers.RegisterHandler(TimerKindNoResponse, makeNoResponseHandler(r))
}

func makeStepDueHandler(r *Runner) store.TimerHandler {
	return func(ctx context.Context, payload string) error {
		var p campaignTimerPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", TimerKindStepDue, err)
		}
		slog.Debug("TimerHandler.campaign_step_due: executing", "campaignExecutionID", p.ExecutionID, "stepIndex", p.StepIndex)
		return r.handleStepDue(ctx, p)
	}
}

func makeNoResponseHandler(r *Runner) store.TimerHandler {
	return func(ctx context.Context, payload string) error {
		var p campaignTimerPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", TimerKindNoResponse, err)
		}
		slog.Debug("TimerHandler.campaign_no_response: executing", "campaignExecutionID", p.ExecutionID)
		return r.handleNoResponse(ctx, p)
	}
}

// scheduleStep enqueues the durable wake-up for the step at the current
// index.
func (r *Runner) scheduleStep(cx *models.CampaignExecution, due time.Time) {
	payload := campaignTimerPayload{ExecutionID: cx.ID, StepIndex: cx.CurrentStep}
	dedupe := fmt.Sprintf("camp:%s:step:%d", cx.ID, cx.CurrentStep)
	if _, err := r.store.EnqueueTimer(TimerKindStepDue, due, payload.encode(), dedupe); err != nil {
		slog.Error("Runner.scheduleStep: enqueue failed", "campaignExecutionID", cx.ID, "stepIndex", cx.CurrentStep, "error", err)
	}
}

// handleStepDue resumes an instance whose step delay elapsed. Idempotent: a
// timer for a position the instance already left is a no-op.
func (r *Runner) handleStepDue(ctx context.Context, p campaignTimerPayload) error {
	return r.withInstance(ctx, p.ExecutionID, func(cx *models.CampaignExecution, c *models.Campaign) error {
		if cx.Status.IsTerminal() {
			return nil
		}
		if cx.CurrentStep != p.StepIndex {
			slog.Debug("Runner.handleStepDue: stale timer, skipping", "campaignExecutionID", p.ExecutionID, "stepIndex", p.StepIndex)
			return nil
		}
		r.advance(cx, c)
		return nil
	})
}

// handleNoResponse applies the campaign's no-response rule: an instance with
// enough executed actions and no activity for the configured window
// escalates once per level. A response or execution inside the window
// re-arms the check instead.
func (r *Runner) handleNoResponse(ctx context.Context, p campaignTimerPayload) error {
	return r.withInstance(ctx, p.ExecutionID, func(cx *models.CampaignExecution, c *models.Campaign) error {
		if cx.Status.IsTerminal() || c.NoResponse == nil {
			return nil
		}
		rule := c.NoResponse

		executed := 0
		var lastActivity = cx.CreatedAt
		for _, rec := range cx.ExecutedSteps {
			if rec.Skipped {
				continue
			}
			executed++
			if rec.ExecutedAt.After(lastActivity) {
				lastActivity = rec.ExecutedAt
			}
		}
		for _, resp := range cx.Responses {
			if resp.ReceivedAt.After(lastActivity) {
				lastActivity = resp.ReceivedAt
			}
		}

		min := rule.MinExecutedSteps
		if min < 1 {
			min = 1
		}
		if executed < min {
			return nil
		}

		deadline := lastActivity.Add(hours(rule.AfterHours))
		if r.now().Before(deadline) {
			// Activity arrived inside the window; check again at the new
			// deadline.
			r.armNoResponseAt(cx, deadline)
			return nil
		}

		cx.EscalationLevel++
		if rule.NotifyChannel != "" {
			msg := fmt.Sprintf("Client %s has not responded to campaign %s", cx.ClientID, cx.CampaignID)
			dedupe := fmt.Sprintf("camp:%s:noresp-esc:%d", cx.ID, cx.EscalationLevel)
			if _, err := r.store.EnqueueNotification(cx.ID, rule.NotifyChannel, rule.NotifyRecipient, msg, dedupe); err != nil {
				slog.Error("Runner.handleNoResponse: enqueue notification failed", "campaignExecutionID", cx.ID, "error", err)
			}
		}
		slog.Warn("Runner.handleNoResponse: no-response escalation", "campaignExecutionID", cx.ID, "level", cx.EscalationLevel)
		return nil
	})
}

// armNoResponseTimer arms the no-response check after an executed step.
func (r *Runner) armNoResponseTimer(cx *models.CampaignExecution, c *models.Campaign) {
	if c.NoResponse == nil || c.NoResponse.AfterHours <= 0 {
		return
	}
	r.armNoResponseAt(cx, r.now().Add(hours(c.NoResponse.AfterHours)))
}

func (r *Runner) armNoResponseAt(cx *models.CampaignExecution, runAt time.Time) {
	payload := campaignTimerPayload{ExecutionID: cx.ID, StepIndex: cx.CurrentStep}
	dedupe := fmt.Sprintf("camp:%s:noresp:%d", cx.ID, runAt.Unix())
	if _, err := r.store.EnqueueTimer(TimerKindNoResponse, runAt, payload.encode(), dedupe); err != nil {
		slog.Error("Runner.armNoResponseAt: enqueue failed", "campaignExecutionID", cx.ID, "error", err)
	}
}
