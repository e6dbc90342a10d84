// Package campaign runs linear retention and intervention sequences: one
// active step per instance, durable delay scheduling, entry-condition skips,
// exit-rule routing, conversion detection, and no-response escalation.
//
// The runner is a restricted sibling of the workflow engine. It shares the
// same durable timer and outbox infrastructure but never fans out: an
// instance is always at exactly one step index.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/condition"
	"github.com/markus41/advisorflow/internal/lock"
	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
	"github.com/markus41/advisorflow/internal/util"
)

// instanceLockTTL bounds how long a crashed process can hold an instance
// lock.
const instanceLockTTL = 30 * time.Second

// Store is the persistence surface the runner needs.
type Store interface {
	store.CampaignStore
	store.TimerRepo
	store.OutboxRepo
}

// ClientSource provides the client attribute snapshot that entry conditions,
// exit rules, and recipient fields evaluate against. Implementations return
// (nil, nil) for unknown clients; conditions over missing fields fail
// silently.
type ClientSource interface {
	ClientFields(clientID string) (map[string]any, error)
}

// Runner drives campaign instances. Construct with NewRunner.
type Runner struct {
	store   Store
	locker  lock.Locker
	clients ClientSource
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the runner's time source. Tests use this to step
// through multi-day step delays.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. clients may be nil when no client attribute
// source is wired; conditions then evaluate over instance state only.
func NewRunner(st Store, locker lock.Locker, clients ClientSource, opts ...Option) *Runner {
	r := &Runner{
		store:   st,
		locker:  locker,
		clients: clients,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartForClient creates a campaign instance for clientID and advances it
// until it reaches a delayed step or finishes. A prior instance created less
// than the campaign's cooldown period ago blocks the new instance.
func (r *Runner) StartForClient(ctx context.Context, campaignID, clientID string) (string, error) {
	c, err := r.store.GetCampaign(campaignID)
	if err != nil {
		return "", fmt.Errorf("Runner.StartForClient: load campaign: %w", err)
	}
	if c == nil {
		return "", fmt.Errorf("Runner.StartForClient: %s: %w", campaignID, models.ErrCampaignNotFound)
	}

	if c.CooldownPeriodHours > 0 {
		prior, err := r.store.LatestCampaignExecution(campaignID, clientID)
		if err != nil {
			return "", fmt.Errorf("Runner.StartForClient: cooldown lookup: %w", err)
		}
		if prior != nil {
			until := prior.CreatedAt.Add(hours(c.CooldownPeriodHours))
			if r.now().Before(until) {
				return "", fmt.Errorf("Runner.StartForClient: campaign %s client %s until %s: %w",
					campaignID, clientID, until.Format(time.RFC3339), models.ErrCooldownActive)
			}
		}
	}

	now := r.now()
	cx := models.CampaignExecution{
		ID:         util.GenerateCampaignExecutionID(),
		CampaignID: campaignID,
		ClientID:   clientID,
		Status:     models.CampaignStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = r.locker.Synchronized(ctx, "camp:"+cx.ID, instanceLockTTL, func(ctx context.Context) error {
		r.advance(&cx, c)
		return r.save(&cx)
	})
	if err != nil {
		return "", err
	}
	slog.Info("Runner.StartForClient: instance started", "campaignExecutionID", cx.ID, "campaignID", campaignID, "clientID", clientID)
	return cx.ID, nil
}

// RecordResponse logs a client response against a step. A positive response
// on an offer step converts the instance and captures the offer value; an
// unsubscribe response exits the sequence.
func (r *Runner) RecordResponse(ctx context.Context, executionID, stepID, responseType, content string) error {
	return r.withInstance(ctx, executionID, func(cx *models.CampaignExecution, c *models.Campaign) error {
		if cx.Status.IsTerminal() {
			return fmt.Errorf("Runner.RecordResponse: instance %s is %s", executionID, cx.Status)
		}
		now := r.now()
		resp := models.CampaignResponse{
			StepID:       stepID,
			ResponseType: responseType,
			Content:      content,
			Positive:     models.IsPositiveResponse(responseType),
			ReceivedAt:   now,
		}
		cx.Responses = append(cx.Responses, resp)

		if isUnsubscribe(responseType) {
			cx.Unsubscribed = true
			cx.Status = models.CampaignStatusExited
			r.cancelTimers(cx.ID)
			slog.Info("Runner.RecordResponse: client unsubscribed", "campaignExecutionID", cx.ID)
			return nil
		}

		if resp.Positive {
			if step := stepByID(c, stepID); step != nil && step.Type == models.CampaignStepOffer {
				cx.Converted = true
				cx.ConversionValue = step.OfferValue
				cx.ConvertedAt = &now
				cx.Status = models.CampaignStatusConverted
				r.cancelTimers(cx.ID)
				slog.Info("Runner.RecordResponse: instance converted", "campaignExecutionID", cx.ID, "stepID", stepID, "value", step.OfferValue)
				return nil
			}
		}

		slog.Debug("Runner.RecordResponse: response logged", "campaignExecutionID", cx.ID, "stepID", stepID, "type", responseType)
		return nil
	})
}

// Cancel transitions an instance to cancelled from any non-terminal state,
// drops its pending timers, and is idempotent.
func (r *Runner) Cancel(ctx context.Context, executionID string) error {
	return r.withInstance(ctx, executionID, func(cx *models.CampaignExecution, c *models.Campaign) error {
		if cx.Status.IsTerminal() {
			return nil
		}
		cx.Status = models.CampaignStatusCancelled
		r.cancelTimers(cx.ID)
		slog.Info("Runner.Cancel: instance cancelled", "campaignExecutionID", cx.ID)
		return nil
	})
}

// GetExecution returns an instance snapshot.
func (r *Runner) GetExecution(executionID string) (*models.CampaignExecution, error) {
	cx, err := r.store.GetCampaignExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("Runner.GetExecution: %w", err)
	}
	if cx == nil {
		return nil, fmt.Errorf("Runner.GetExecution: %s: %w", executionID, models.ErrCampaignExecutionNotFound)
	}
	return cx, nil
}

// withInstance loads an instance and its campaign, runs fn under the
// instance's lock, and saves the result.
func (r *Runner) withInstance(ctx context.Context, executionID string, fn func(*models.CampaignExecution, *models.Campaign) error) error {
	return r.locker.Synchronized(ctx, "camp:"+executionID, instanceLockTTL, func(ctx context.Context) error {
		cx, err := r.store.GetCampaignExecution(executionID)
		if err != nil {
			return fmt.Errorf("load campaign execution %s: %w", executionID, err)
		}
		if cx == nil {
			return fmt.Errorf("campaign execution %s: %w", executionID, models.ErrCampaignExecutionNotFound)
		}
		c, err := r.store.GetCampaign(cx.CampaignID)
		if err != nil {
			return fmt.Errorf("load campaign %s: %w", cx.CampaignID, err)
		}
		if c == nil {
			return fmt.Errorf("campaign %s: %w", cx.CampaignID, models.ErrCampaignNotFound)
		}
		if err := fn(cx, c); err != nil {
			return err
		}
		return r.save(cx)
	})
}

func (r *Runner) save(cx *models.CampaignExecution) error {
	cx.UpdatedAt = r.now()
	if err := r.store.SaveCampaignExecution(*cx); err != nil {
		return fmt.Errorf("save campaign execution %s: %w", cx.ID, err)
	}
	return nil
}

// advance runs the instance forward until it hits a step whose delay has not
// elapsed, exits, or completes. Exactly one step is ever active.
func (r *Runner) advance(cx *models.CampaignExecution, c *models.Campaign) {
	const maxPasses = 1000
	passes := 0
	for cx.Status == models.CampaignStatusActive {
		if passes++; passes > maxPasses {
			// Mutually-routing move_to_step rules can cycle; stop rather
			// than spin.
			slog.Error("Runner.advance: advancement did not settle", "campaignExecutionID", cx.ID)
			return
		}
		if cx.CurrentStep >= len(c.Steps) {
			cx.Status = models.CampaignStatusCompleted
			r.cancelTimers(cx.ID)
			slog.Info("Runner.advance: instance completed", "campaignExecutionID", cx.ID)
			return
		}
		step := c.Steps[cx.CurrentStep]

		due := r.stepDue(cx, step)
		if r.now().Before(due) {
			r.scheduleStep(cx, due)
			return
		}

		fields := r.evalFields(cx)

		if routed := r.applyExitRules(cx, c, step, fields); routed {
			continue
		}

		if step.EntryCondition != nil && !condition.Evaluate(*step.EntryCondition, fields) {
			r.recordStep(cx, step, true, "entry condition not met")
			cx.CurrentStep++
			continue
		}

		r.executeStep(cx, step, fields)
		r.recordStep(cx, step, false, "")
		cx.CurrentStep++
		r.armNoResponseTimer(cx, c)
	}
}

// applyExitRules evaluates the step's exit rules in declaration order and
// applies the first whose condition holds. Returns true when the caller
// should re-enter the advance loop at a new step index.
func (r *Runner) applyExitRules(cx *models.CampaignExecution, c *models.Campaign, step models.CampaignStep, fields map[string]any) bool {
	for _, rule := range step.ExitRules {
		if !condition.Evaluate(rule.When, fields) {
			continue
		}
		switch rule.Action {
		case models.ExitActionSkip:
			r.recordStep(cx, step, true, "exit rule: skip")
			cx.CurrentStep++
			return true
		case models.ExitActionExit:
			r.recordStep(cx, step, true, "exit rule: exit_sequence")
			cx.Status = models.CampaignStatusExited
			r.cancelTimers(cx.ID)
			slog.Info("Runner.applyExitRules: instance exited", "campaignExecutionID", cx.ID, "stepID", step.ID)
			return true
		case models.ExitActionMoveTo:
			if rule.TargetStep < 0 || rule.TargetStep >= len(c.Steps) || rule.TargetStep == cx.CurrentStep {
				slog.Warn("Runner.applyExitRules: invalid move_to_step target", "campaignExecutionID", cx.ID, "target", rule.TargetStep)
				return false
			}
			r.recordStep(cx, step, true, fmt.Sprintf("exit rule: move_to_step %d", rule.TargetStep))
			cx.CurrentStep = rule.TargetStep
			return true
		}
	}
	return false
}

// executeStep emits the step's outbound action as an outbox command. The
// dispatcher owns delivery and retries; a channel failure never reaches the
// instance.
func (r *Runner) executeStep(cx *models.CampaignExecution, step models.CampaignStep, fields map[string]any) {
	if step.Channel == "" {
		return
	}
	recipient := cx.ClientID
	if step.RecipientField != "" {
		if v, ok := condition.Lookup(fields, step.RecipientField); ok {
			if s, ok := v.(string); ok && s != "" {
				recipient = s
			}
		}
	}
	dedupe := fmt.Sprintf("camp:%s:send:%d", cx.ID, cx.CurrentStep)
	if _, err := r.store.EnqueueNotification(cx.ID, step.Channel, recipient, step.Message, dedupe); err != nil {
		slog.Error("Runner.executeStep: enqueue notification failed", "campaignExecutionID", cx.ID, "stepID", step.ID, "error", err)
	}
}

func (r *Runner) recordStep(cx *models.CampaignExecution, step models.CampaignStep, skipped bool, detail string) {
	cx.ExecutedSteps = append(cx.ExecutedSteps, models.CampaignStepRecord{
		StepID:     step.ID,
		StepIndex:  cx.CurrentStep,
		ExecutedAt: r.now(),
		Skipped:    skipped,
		Detail:     detail,
	})
}

// stepDue computes when the step at the current index may run: its delay is
// anchored on the previous step record, or on instance creation for the
// first step.
func (r *Runner) stepDue(cx *models.CampaignExecution, step models.CampaignStep) time.Time {
	anchor := cx.CreatedAt
	if n := len(cx.ExecutedSteps); n > 0 {
		anchor = cx.ExecutedSteps[n-1].ExecutedAt
	}
	return anchor.Add(hours(step.DelayHours))
}

// evalFields builds the field map conditions evaluate against: the client
// attribute snapshot merged with live instance state.
func (r *Runner) evalFields(cx *models.CampaignExecution) map[string]any {
	fields := make(map[string]any)
	if r.clients != nil {
		if cf, err := r.clients.ClientFields(cx.ClientID); err != nil {
			slog.Error("Runner.evalFields: client lookup failed", "clientID", cx.ClientID, "error", err)
		} else {
			for k, v := range cf {
				fields[k] = v
			}
		}
	}
	executed := 0
	for _, rec := range cx.ExecutedSteps {
		if !rec.Skipped {
			executed++
		}
	}
	fields["unsubscribed"] = cx.Unsubscribed
	fields["converted"] = cx.Converted
	fields["response_count"] = len(cx.Responses)
	fields["executed_count"] = executed
	return fields
}

func (r *Runner) cancelTimers(executionID string) {
	if _, err := r.store.CancelTimersByPrefix("camp:" + executionID + ":"); err != nil {
		slog.Error("Runner.cancelTimers: cancel failed", "campaignExecutionID", executionID, "error", err)
	}
}

func stepByID(c *models.Campaign, stepID string) *models.CampaignStep {
	for i := range c.Steps {
		if c.Steps[i].ID == stepID {
			return &c.Steps[i]
		}
	}
	return nil
}

// isUnsubscribe reports whether a response type is an opt-out.
func isUnsubscribe(responseType string) bool {
	switch responseType {
	case "unsubscribe", "unsubscribed", "stop", "opt_out":
		return true
	}
	return false
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
