// Package engine provides durable timer kind constants and handlers that
// replace in-memory timers with restart-safe database timers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

// Timer kind constants for the engine's durable timers.
const (
	TimerKindStepTimeout = "workflow_step_timeout"
	TimerKindDelayResume = "workflow_delay_resume"
)

// pauseRetryDelay is how long a fired timer defers when its execution is
// paused.
const pauseRetryDelay = time.Minute

// timerPayload is the JSON payload shared by the engine's timer kinds. The
// EnteredAt token ties the timer to one specific activation of the step, so
// stale timers for positions the execution already left are no-ops.
type timerPayload struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	EnteredAt   int64  `json:"entered_at"`
}

func (p timerPayload) encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// RegisterJobHandlers registers the engine's timer handlers with the runner.
func RegisterJobHandlers(runner *store.TimerRunner, eng *Engine) {
	runner.RegisterHandler(TimerKindStepTimeout, makeStepTimeoutHandler(eng))
	runner.RegisterHandler(TimerKindDelayResume, makeDelayResumeHandler(eng))
}

func makeStepTimeoutHandler(eng *Engine) store.TimerHandler {
	return func(ctx context.Context, payload string) error {
		var p timerPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", TimerKindStepTimeout, err)
		}
		slog.Info("TimerHandler.step_timeout: executing", "executionID", p.ExecutionID, "stepID", p.StepID)
		return eng.handleStepTimeout(ctx, p)
	}
}

func makeDelayResumeHandler(eng *Engine) store.TimerHandler {
	return func(ctx context.Context, payload string) error {
		var p timerPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", TimerKindDelayResume, err)
		}
		slog.Debug("TimerHandler.delay_resume: executing", "executionID", p.ExecutionID, "stepID", p.StepID)
		return eng.handleDelayResume(ctx, p)
	}
}

// handleStepTimeout applies a step's timeout policy when its timer fires.
// Idempotent: a timer whose step position has moved on is a no-op.
func (e *Engine) handleStepTimeout(ctx context.Context, p timerPayload) error {
	return e.withExecution(ctx, p.ExecutionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status.IsTerminal() {
			return nil
		}
		if exec.Status == models.ExecutionStatusPaused {
			e.deferTimer(TimerKindStepTimeout, p)
			return nil
		}
		br := exec.Branch(p.StepID)
		if br == nil || br.State != models.BranchRunning || br.EnteredAt.Unix() != p.EnteredAt {
			slog.Debug("Engine.handleStepTimeout: stale timer, skipping", "executionID", p.ExecutionID, "stepID", p.StepID)
			return nil
		}
		step := tpl.StepByID(p.StepID)
		if step == nil {
			return nil
		}
		policy := tpl.TimeoutFor(step)
		if policy == nil {
			return nil
		}

		if policy.OnExpiry == models.TimeoutActionFail {
			e.releaseAssignee(br, step)
			br.State = models.BranchFailed
			br.BlockedReason = models.BlockedReasonStepFailed
			e.closeHistory(exec, p.StepID, models.OutcomeTimeout, "timeout expired, action=fail")
			slog.Warn("Engine.handleStepTimeout: branch failed on timeout", "executionID", exec.ID, "stepID", p.StepID)
			e.finishIfDone(exec, tpl)
			return nil
		}

		return e.escalate(exec, tpl, step, br, policy)
	})
}

// escalate runs the escalation-path entry at the current level, bumps the
// level, and re-arms the timeout. Path exhaustion blocks the branch (or
// fails the execution when the template maps exhaustion to failure).
func (e *Engine) escalate(exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, step *models.Step, br *models.ActiveBranch, policy *models.TimeoutPolicy) error {
	path := tpl.Settings.EscalationPath
	if exec.EscalationLevel >= len(path) {
		e.releaseAssignee(br, step)
		e.cancelStepTimers(exec.ID, step.ID)
		if tpl.Settings.ExhaustionFails {
			br.State = models.BranchFailed
			br.BlockedReason = models.BlockedReasonEscalationExhausted
			e.closeHistory(exec, step.ID, models.OutcomeFailed, models.ErrTimeoutEscalationExhausted.Error())
			now := e.now()
			exec.Status = models.ExecutionStatusFailed
			exec.CompletedAt = &now
			if _, err := e.store.CancelTimersByPrefix("exec:" + exec.ID + ":"); err != nil {
				slog.Error("Engine.escalate: cancel timers failed", "executionID", exec.ID, "error", err)
			}
		} else {
			br.State = models.BranchBlocked
			br.BlockedReason = models.BlockedReasonEscalationExhausted
			e.closeHistory(exec, step.ID, models.OutcomeBlocked, models.ErrTimeoutEscalationExhausted.Error())
		}
		slog.Warn("Engine.escalate: escalation path exhausted", "executionID", exec.ID, "stepID", step.ID, "level", exec.EscalationLevel)
		return nil
	}

	entry := path[exec.EscalationLevel]
	if entry.NotifyChannel != "" {
		msg := entry.Message
		if msg == "" {
			msg = fmt.Sprintf("Step %q on execution %s is overdue", step.ID, exec.ID)
		}
		dedupe := fmt.Sprintf("exec:%s:esc:%s:%d", exec.ID, step.ID, exec.EscalationLevel)
		if _, err := e.store.EnqueueNotification(exec.ID, entry.NotifyChannel, entry.NotifyRecipient, msg, dedupe); err != nil {
			slog.Error("Engine.escalate: enqueue notification failed", "executionID", exec.ID, "error", err)
		}
	}
	if entry.ReassignRole != "" {
		if m, err := e.assignor.OptimalResource(models.Requirements{Role: entry.ReassignRole}); err == nil {
			e.releaseAssignee(br, step)
			if _, err := e.assignor.Assign(m.ID, stepHours(step)); err != nil {
				slog.Error("Engine.escalate: reassign booking failed", "memberID", m.ID, "error", err)
			}
			br.AssigneeID = m.ID
			slog.Info("Engine.escalate: step reassigned", "executionID", exec.ID, "stepID", step.ID, "assigneeID", m.ID)
		}
	}

	exec.EscalationLevel++
	exec.History = append(exec.History, models.StepRecord{
		StepID:     step.ID,
		EnteredAt:  e.now(),
		ExitedAt:   timePtr(e.now()),
		Outcome:    models.OutcomeEscalated,
		AssigneeID: br.AssigneeID,
		Detail:     fmt.Sprintf("escalation level %d", exec.EscalationLevel),
	})

	// Re-arm the timeout for the next escalation level.
	payload := timerPayload{ExecutionID: exec.ID, StepID: step.ID, EnteredAt: br.EnteredAt.Unix()}
	dedupe := fmt.Sprintf("exec:%s:timeout:%s:%d:l%d", exec.ID, step.ID, br.EnteredAt.Unix(), exec.EscalationLevel)
	if _, err := e.store.EnqueueTimer(TimerKindStepTimeout, e.now().Add(policy.ToDuration()), payload.encode(), dedupe); err != nil {
		slog.Error("Engine.escalate: re-arm timer failed", "executionID", exec.ID, "error", err)
	}

	slog.Info("Engine.escalate: escalated", "executionID", exec.ID, "stepID", step.ID, "level", exec.EscalationLevel)
	return nil
}

// handleDelayResume wakes a delay step whose wait elapsed. Idempotent.
func (e *Engine) handleDelayResume(ctx context.Context, p timerPayload) error {
	return e.withExecution(ctx, p.ExecutionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status.IsTerminal() {
			return nil
		}
		if exec.Status == models.ExecutionStatusPaused {
			e.deferTimer(TimerKindDelayResume, p)
			return nil
		}
		br := exec.Branch(p.StepID)
		if br == nil || br.State != models.BranchRunning || br.EnteredAt.Unix() != p.EnteredAt {
			slog.Debug("Engine.handleDelayResume: stale timer, skipping", "executionID", p.ExecutionID, "stepID", p.StepID)
			return nil
		}
		step := tpl.StepByID(p.StepID)
		if step == nil || step.Kind != models.StepKindDelay {
			return nil
		}
		if br.WaitUntil != nil && e.now().Before(*br.WaitUntil) {
			// Fired early (clock skew); let the next poll retry.
			e.deferTimer(TimerKindDelayResume, p)
			return nil
		}
		e.exitBranch(exec, p.StepID, models.OutcomeCompleted, "")
		e.fireEdges(ctx, exec, tpl, step)
		e.propagate(ctx, exec, tpl)
		return nil
	})
}

// deferTimer re-enqueues a fired timer a minute out. The dedupe key carries
// the defer time so it does not collide with the firing timer.
func (e *Engine) deferTimer(kind string, p timerPayload) {
	runAt := e.now().Add(pauseRetryDelay)
	dedupe := fmt.Sprintf("exec:%s:defer:%s:%s:%d", p.ExecutionID, kind, p.StepID, runAt.Unix())
	if _, err := e.store.EnqueueTimer(kind, runAt, p.encode(), dedupe); err != nil {
		slog.Error("Engine.deferTimer: enqueue failed", "executionID", p.ExecutionID, "kind", kind, "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
