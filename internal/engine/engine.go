// Package engine advances workflow executions through their template graphs:
// guard evaluation, fan-out/fan-in, decision gates, delays, timeouts, and
// escalation.
//
// All mutations to one execution are serialized through the injected locker;
// parallelism happens across executions, never within one. Long waits live
// in the durable timer index, not in process memory.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/markus41/advisorflow/internal/assign"
	"github.com/markus41/advisorflow/internal/condition"
	"github.com/markus41/advisorflow/internal/lock"
	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
	"github.com/markus41/advisorflow/internal/util"
)

// executionLockTTL bounds how long a crashed process can hold an execution
// lock.
const executionLockTTL = 30 * time.Second

// Store is the persistence surface the engine needs.
type Store interface {
	store.TemplateStore
	store.ExecutionStore
	store.TimerRepo
	store.OutboxRepo
}

// Engine drives workflow executions. Construct with NewEngine; all
// dependencies are injected so tests can run isolated instances.
type Engine struct {
	store    Store
	assignor *assign.Assignor
	locker   lock.Locker
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source. Tests use this to step
// through multi-day timeouts.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(st Store, assignor *assign.Assignor, locker lock.Locker, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		assignor: assignor,
		locker:   locker,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartWorkflow creates an execution of (templateID, version) and advances
// it until it needs external input or a timer. Version 0 resolves to the
// latest stored version.
func (e *Engine) StartWorkflow(ctx context.Context, templateID string, version int, clientID string, variables map[string]any) (string, error) {
	if version == 0 {
		latest, err := e.store.LatestTemplateVersion(templateID)
		if err != nil {
			return "", fmt.Errorf("Engine.StartWorkflow: resolve latest version: %w", err)
		}
		version = latest
	}
	tpl, err := e.store.GetTemplate(templateID, version)
	if err != nil {
		return "", fmt.Errorf("Engine.StartWorkflow: load template: %w", err)
	}
	if tpl == nil {
		return "", fmt.Errorf("Engine.StartWorkflow: %s v%d: %w", templateID, version, models.ErrTemplateNotFound)
	}
	if err := ValidateTemplate(tpl); err != nil {
		return "", fmt.Errorf("Engine.StartWorkflow: %w", err)
	}

	if max := tpl.Settings.MaxConcurrentInstances; max > 0 {
		active, err := e.store.CountActiveExecutions(templateID)
		if err != nil {
			return "", fmt.Errorf("Engine.StartWorkflow: count active: %w", err)
		}
		if active >= max {
			return "", fmt.Errorf("Engine.StartWorkflow: template %s has %d active instances: %w", templateID, active, models.ErrConcurrencyLimit)
		}
	}

	if variables == nil {
		variables = make(map[string]any)
	}
	for _, v := range tpl.Variables {
		if _, ok := variables[v.Name]; ok {
			continue
		}
		if v.Default != nil {
			variables[v.Name] = v.Default
			continue
		}
		if v.Required {
			return "", fmt.Errorf("Engine.StartWorkflow: variable %q: %w", v.Name, models.ErrMissingRequiredVariable)
		}
	}

	now := e.now()
	exec := models.WorkflowExecution{
		ID:              util.GenerateExecutionID(),
		TemplateID:      templateID,
		TemplateVersion: version,
		ClientID:        clientID,
		Status:          models.ExecutionStatusRunning,
		Variables:       variables,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = e.locker.Synchronized(ctx, "exec:"+exec.ID, executionLockTTL, func(ctx context.Context) error {
		e.activateStep(ctx, &exec, tpl, tpl.StartStep().ID)
		e.propagate(ctx, &exec, tpl)
		return e.save(&exec)
	})
	if err != nil {
		return "", err
	}
	slog.Info("Engine.StartWorkflow: execution started", "executionID", exec.ID, "templateID", templateID, "version", version)
	return exec.ID, nil
}

// Tick re-evaluates an execution's active branches. Safe to call at any
// time; it is a no-op for terminal or paused executions.
func (e *Engine) Tick(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status != models.ExecutionStatusRunning {
			return nil
		}
		e.propagate(ctx, exec, tpl)
		return nil
	})
}

// CompleteStep finishes the human task at stepID, merges outputs into the
// execution variables, and advances the graph.
func (e *Engine) CompleteStep(ctx context.Context, executionID, stepID string, outputs map[string]any) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status.IsTerminal() {
			return fmt.Errorf("Engine.CompleteStep: execution %s is %s", executionID, exec.Status)
		}
		br := exec.Branch(stepID)
		if br == nil || br.State != models.BranchRunning {
			return fmt.Errorf("Engine.CompleteStep: step %q is not active on execution %s: %w", stepID, executionID, models.ErrInvalidTransition)
		}
		step := tpl.StepByID(stepID)
		if step == nil || step.Kind != models.StepKindTask {
			return fmt.Errorf("Engine.CompleteStep: step %q is not a task: %w", stepID, models.ErrInvalidTransition)
		}

		for k, v := range outputs {
			if exec.Variables == nil {
				exec.Variables = make(map[string]any)
			}
			exec.Variables[k] = v
		}

		e.releaseAssignee(br, step)
		e.cancelStepTimers(exec.ID, stepID)
		e.exitBranch(exec, stepID, models.OutcomeCompleted, "")
		e.fireEdges(ctx, exec, tpl, step)
		e.propagate(ctx, exec, tpl)
		return nil
	})
}

// FailStep records a step action failure. Only the failing branch degrades;
// sibling branches keep running.
func (e *Engine) FailStep(ctx context.Context, executionID, stepID, reason string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status.IsTerminal() {
			return nil
		}
		br := exec.Branch(stepID)
		if br == nil || br.State != models.BranchRunning {
			return fmt.Errorf("Engine.FailStep: step %q is not active on execution %s: %w", stepID, executionID, models.ErrInvalidTransition)
		}
		step := tpl.StepByID(stepID)
		if step != nil {
			e.releaseAssignee(br, step)
		}
		e.cancelStepTimers(exec.ID, stepID)
		br.State = models.BranchFailed
		br.BlockedReason = models.BlockedReasonStepFailed
		e.closeHistory(exec, stepID, models.OutcomeFailed, reason)
		slog.Warn("Engine.FailStep: branch failed", "executionID", executionID, "stepID", stepID, "reason", reason)
		e.finishIfDone(exec, tpl)
		return nil
	})
}

// Cancel transitions an execution to cancelled from any non-terminal state,
// drops its pending timers, and is idempotent.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status.IsTerminal() {
			return nil
		}
		now := e.now()
		for i := range exec.Branches {
			br := &exec.Branches[i]
			if br.State == models.BranchRunning || br.State == models.BranchPending {
				step := tpl.StepByID(br.StepID)
				if step != nil {
					e.releaseAssignee(br, step)
				}
				e.closeHistory(exec, br.StepID, models.OutcomeCancelled, "")
			}
		}
		exec.Status = models.ExecutionStatusCancelled
		exec.CompletedAt = &now
		if _, err := e.store.CancelTimersByPrefix("exec:" + executionID + ":"); err != nil {
			slog.Error("Engine.Cancel: cancel timers failed", "executionID", executionID, "error", err)
		}
		slog.Info("Engine.Cancel: execution cancelled", "executionID", executionID)
		return nil
	})
}

// Pause suspends timer evaluation for an execution without losing position.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status != models.ExecutionStatusRunning {
			return nil
		}
		exec.Status = models.ExecutionStatusPaused
		slog.Info("Engine.Pause: execution paused", "executionID", executionID)
		return nil
	})
}

// Resume reactivates a paused execution and re-evaluates its branches.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) error {
		if exec.Status != models.ExecutionStatusPaused {
			return nil
		}
		exec.Status = models.ExecutionStatusRunning
		e.propagate(ctx, exec, tpl)
		slog.Info("Engine.Resume: execution resumed", "executionID", executionID)
		return nil
	})
}

// GetExecution returns an execution snapshot.
func (e *Engine) GetExecution(executionID string) (*models.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("Engine.GetExecution: %w", err)
	}
	if exec == nil {
		return nil, fmt.Errorf("Engine.GetExecution: %s: %w", executionID, models.ErrExecutionNotFound)
	}
	return exec, nil
}

// withExecution loads an execution and its pinned template, runs fn under
// the execution's lock, and saves the result.
func (e *Engine) withExecution(ctx context.Context, executionID string, fn func(context.Context, *models.WorkflowExecution, *models.WorkflowTemplate) error) error {
	return e.locker.Synchronized(ctx, "exec:"+executionID, executionLockTTL, func(ctx context.Context) error {
		exec, err := e.store.GetExecution(executionID)
		if err != nil {
			return fmt.Errorf("load execution %s: %w", executionID, err)
		}
		if exec == nil {
			return fmt.Errorf("execution %s: %w", executionID, models.ErrExecutionNotFound)
		}
		tpl, err := e.store.GetTemplate(exec.TemplateID, exec.TemplateVersion)
		if err != nil {
			return fmt.Errorf("load template %s v%d: %w", exec.TemplateID, exec.TemplateVersion, err)
		}
		if tpl == nil {
			return fmt.Errorf("template %s v%d: %w", exec.TemplateID, exec.TemplateVersion, models.ErrTemplateNotFound)
		}
		if err := fn(ctx, exec, tpl); err != nil {
			return err
		}
		return e.save(exec)
	})
}

func (e *Engine) save(exec *models.WorkflowExecution) error {
	exec.UpdatedAt = e.now()
	if err := e.store.SaveExecution(*exec); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

// propagate loops over the active branches until no branch makes progress.
// Instantaneous steps (start, automation, decision, elapsed delays) resolve
// inline; tasks and pending delays wait for CompleteStep or a timer.
func (e *Engine) propagate(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) {
	const maxPasses = 1000
	passes := 0
	for progressed := true; progressed; {
		if passes++; passes > maxPasses {
			slog.Error("Engine.propagate: propagation did not settle", "executionID", exec.ID)
			break
		}
		progressed = false
		for i := 0; i < len(exec.Branches); i++ {
			br := &exec.Branches[i]
			switch br.State {
			case models.BranchRunning:
				if e.processBranch(ctx, exec, tpl, br) {
					progressed = true
					// Branch slice may have been reshuffled by an exit.
					i = -1
				}
			case models.BranchPending:
				if e.tryAssign(exec, tpl, br) {
					progressed = true
				}
			}
		}
	}
	e.finishIfDone(exec, tpl)
}

// processBranch advances one running branch. Returns true when the branch
// changed state.
func (e *Engine) processBranch(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, br *models.ActiveBranch) bool {
	step := tpl.StepByID(br.StepID)
	if step == nil {
		br.State = models.BranchBlocked
		br.BlockedReason = models.BlockedReasonInvalidTransition
		return true
	}

	switch step.Kind {
	case models.StepKindStart:
		e.exitBranch(exec, step.ID, models.OutcomeCompleted, "")
		e.fireEdges(ctx, exec, tpl, step)
		return true

	case models.StepKindEnd:
		e.exitBranch(exec, step.ID, models.OutcomeCompleted, "")
		return true

	case models.StepKindAutomation:
		e.runAutomation(exec, step, br)
		e.exitBranch(exec, step.ID, models.OutcomeCompleted, "")
		e.fireEdges(ctx, exec, tpl, step)
		return true

	case models.StepKindDecision:
		return e.runDecision(ctx, exec, tpl, step)

	case models.StepKindDelay:
		if br.WaitUntil == nil {
			wait := e.now().Add(step.Config.Delay.ToDuration())
			br.WaitUntil = &wait
			e.enqueueDelayTimer(exec, step, br)
			return false
		}
		if !e.now().Before(*br.WaitUntil) {
			e.exitBranch(exec, step.ID, models.OutcomeCompleted, "")
			e.fireEdges(ctx, exec, tpl, step)
			return true
		}
		return false

	case models.StepKindTask:
		// Waits for CompleteStep.
		return false
	}
	return false
}

// runAutomation records the step's side effect as an outbox command. The
// dispatcher owns delivery and retries; a channel failure never reaches the
// branch.
func (e *Engine) runAutomation(exec *models.WorkflowExecution, step *models.Step, br *models.ActiveBranch) {
	cfg := step.Config.Automation
	if cfg == nil || cfg.Channel == "" {
		return
	}
	recipient := cfg.Recipient
	if recipient == "" {
		recipient = exec.ClientID
	}
	dedupe := fmt.Sprintf("exec:%s:auto:%s:%d", exec.ID, step.ID, br.EnteredAt.Unix())
	if _, err := e.store.EnqueueNotification(exec.ID, cfg.Channel, recipient, cfg.Message, dedupe); err != nil {
		slog.Error("Engine.runAutomation: enqueue notification failed", "executionID", exec.ID, "stepID", step.ID, "error", err)
	}
}

// runDecision selects the outgoing edge whose threshold is the highest value
// the score exceeds; declaration order breaks ties. Falls back to an
// unconditional edge, else blocks the branch.
func (e *Engine) runDecision(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, step *models.Step) bool {
	score, hasScore := toFloat(exec.Variables[step.Config.Decision.ScoreVariable])

	var chosen *models.Edge
	var fallback *models.Edge
	best := 0.0
	for _, edge := range tpl.OutgoingEdges(step.ID) {
		edge := edge
		if edge.Threshold == nil {
			if fallback == nil && edge.Guard == nil {
				fallback = &edge
			}
			continue
		}
		if hasScore && score > *edge.Threshold {
			if chosen == nil || *edge.Threshold > best {
				chosen = &edge
				best = *edge.Threshold
			}
		}
	}
	if chosen == nil {
		chosen = fallback
	}
	if chosen == nil {
		br := exec.Branch(step.ID)
		br.State = models.BranchBlocked
		br.BlockedReason = models.BlockedReasonInvalidTransition
		e.closeHistory(exec, step.ID, models.OutcomeBlocked, models.BlockedReasonInvalidTransition)
		slog.Warn("Engine.runDecision: branch blocked, no threshold matched", "executionID", exec.ID, "stepID", step.ID)
		return true
	}

	e.exitBranch(exec, step.ID, models.OutcomeCompleted, chosen.Key())
	e.followEdge(ctx, exec, tpl, *chosen)
	return true
}

// fireEdges evaluates the outgoing edge guards of step in declaration order.
// Every passing guarded edge fires (deliberate fan-out); if none pass, the
// first unconditional edge fires; if nothing fires and edges exist, the
// position is reported blocked rather than silently dropped.
//
// Unconditional edges are fallbacks, not fan-out: with several declared,
// only the first fires. A template that fans out to all targets puts an
// always-true guard on each edge.
func (e *Engine) fireEdges(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, step *models.Step) {
	edges := tpl.OutgoingEdges(step.ID)
	if len(edges) == 0 {
		return
	}

	fired := 0
	for _, edge := range edges {
		if edge.Guard == nil {
			continue
		}
		if condition.Evaluate(*edge.Guard, exec.Variables) {
			e.followEdge(ctx, exec, tpl, edge)
			fired++
		}
	}
	if fired > 0 {
		return
	}
	for _, edge := range edges {
		if edge.Guard == nil {
			e.followEdge(ctx, exec, tpl, edge)
			return
		}
	}

	exec.Branches = append(exec.Branches, models.ActiveBranch{
		StepID:        step.ID,
		State:         models.BranchBlocked,
		EnteredAt:     e.now(),
		BlockedReason: models.BlockedReasonInvalidTransition,
	})
	e.appendHistory(exec, step.ID, models.OutcomeBlocked, models.BlockedReasonInvalidTransition)
	slog.Warn("Engine.fireEdges: no edge fired", "executionID", exec.ID, "stepID", step.ID)
}

// followEdge fires one edge, honoring the target's fan-in barrier: a step
// with N inbound edges activates only after all N have fired since its last
// exit.
func (e *Engine) followEdge(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, edge models.Edge) {
	if edge.Revision {
		if exec.RevisitCounts == nil {
			exec.RevisitCounts = make(map[string]int)
		}
		exec.RevisitCounts[edge.Target]++
		// A revision re-opens the target directly; the barrier does not
		// apply to deliberate loops back.
		e.activateStep(ctx, exec, tpl, edge.Target)
		return
	}

	inbound := tpl.InboundEdges(edge.Target)
	if len(inbound) > 1 {
		exec.MarkEdgeFired(edge.Target, edge.Key())
		for _, in := range inbound {
			if in.Revision {
				continue
			}
			if !exec.EdgeFired(edge.Target, in.Key()) {
				slog.Debug("Engine.followEdge: fan-in waiting", "executionID", exec.ID, "stepID", edge.Target)
				return
			}
		}
		exec.ResetFanIn(edge.Target)
	}
	e.activateStep(ctx, exec, tpl, edge.Target)
}

// activateStep opens a branch at stepID. Entry conditions that evaluate
// false skip the step and fire its outgoing edges instead.
func (e *Engine) activateStep(ctx context.Context, exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, stepID string) {
	step := tpl.StepByID(stepID)
	if step == nil {
		return
	}
	if exec.Branch(stepID) != nil {
		// Already active at this position.
		return
	}

	now := e.now()
	if !condition.EvaluateAll(step.EntryConditions, exec.Variables) {
		e.appendHistory(exec, stepID, models.OutcomeSkipped, "entry conditions not met")
		e.fireEdges(ctx, exec, tpl, step)
		return
	}

	br := models.ActiveBranch{StepID: stepID, State: models.BranchRunning, EnteredAt: now}
	exec.History = append(exec.History, models.StepRecord{StepID: stepID, EnteredAt: now})

	if step.Kind == models.StepKindTask {
		exec.Branches = append(exec.Branches, br)
		placed := exec.Branch(stepID)
		if !e.tryAssign(exec, tpl, placed) {
			placed.State = models.BranchPending
		}
		return
	}

	exec.Branches = append(exec.Branches, br)
}

// tryAssign resolves a task step's owner per its assignee rule and books the
// estimated hours. Returns false when no qualified member exists; the branch
// stays pending and the next tick retries.
func (e *Engine) tryAssign(exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, br *models.ActiveBranch) bool {
	step := tpl.StepByID(br.StepID)
	if step == nil || step.Kind != models.StepKindTask {
		br.State = models.BranchRunning
		return true
	}

	rule := step.Assignee
	if rule == nil {
		br.State = models.BranchRunning
		e.scheduleTimeout(exec, tpl, step, br)
		return true
	}

	var assigneeID string
	switch rule.Kind {
	case models.AssigneeFixedUser:
		assigneeID = rule.UserID
	case models.AssigneeFixedRole:
		m, err := e.assignor.OptimalResource(models.Requirements{Role: rule.Role, Hours: rule.EstimatedHours})
		if err != nil {
			slog.Debug("Engine.tryAssign: no member for role", "executionID", exec.ID, "stepID", step.ID, "role", rule.Role)
			return false
		}
		assigneeID = m.ID
	default: // auto_by_skill
		m, err := e.assignor.OptimalResource(models.Requirements{SkillsRequired: rule.SkillsRequired, Hours: rule.EstimatedHours})
		if err != nil {
			slog.Debug("Engine.tryAssign: no member for skills", "executionID", exec.ID, "stepID", step.ID, "skills", rule.SkillsRequired)
			return false
		}
		assigneeID = m.ID
	}

	if assigneeID != "" && rule.Kind != models.AssigneeFixedUser {
		if _, err := e.assignor.Assign(assigneeID, stepHours(step)); err != nil {
			slog.Error("Engine.tryAssign: workload booking failed", "executionID", exec.ID, "memberID", assigneeID, "error", err)
		}
	}

	br.AssigneeID = assigneeID
	br.State = models.BranchRunning
	if rec := openHistory(exec, br.StepID); rec != nil {
		rec.AssigneeID = assigneeID
	}
	e.scheduleTimeout(exec, tpl, step, br)
	slog.Debug("Engine.tryAssign: assigned", "executionID", exec.ID, "stepID", step.ID, "assigneeID", assigneeID)
	return true
}

// releaseAssignee returns the step's booked hours when the branch exits.
func (e *Engine) releaseAssignee(br *models.ActiveBranch, step *models.Step) {
	if br.AssigneeID == "" || step.Assignee == nil || step.Assignee.Kind == models.AssigneeFixedUser {
		return
	}
	if _, err := e.assignor.Release(br.AssigneeID, stepHours(step)); err != nil {
		slog.Error("Engine.releaseAssignee: workload release failed", "memberID", br.AssigneeID, "error", err)
	}
}

func stepHours(step *models.Step) float64 {
	if step.Assignee != nil && step.Assignee.EstimatedHours > 0 {
		return step.Assignee.EstimatedHours
	}
	if step.Config.Task != nil {
		return step.Config.Task.EstimatedHours
	}
	return 0
}

// scheduleTimeout enqueues the step's durable timeout timer, if the step has
// an effective timeout policy.
func (e *Engine) scheduleTimeout(exec *models.WorkflowExecution, tpl *models.WorkflowTemplate, step *models.Step, br *models.ActiveBranch) {
	policy := tpl.TimeoutFor(step)
	if policy == nil || policy.Duration <= 0 {
		return
	}
	payload := timerPayload{ExecutionID: exec.ID, StepID: step.ID, EnteredAt: br.EnteredAt.Unix()}
	dedupe := fmt.Sprintf("exec:%s:timeout:%s:%d", exec.ID, step.ID, br.EnteredAt.Unix())
	if _, err := e.store.EnqueueTimer(TimerKindStepTimeout, e.now().Add(policy.ToDuration()), payload.encode(), dedupe); err != nil {
		slog.Error("Engine.scheduleTimeout: enqueue failed", "executionID", exec.ID, "stepID", step.ID, "error", err)
	}
}

func (e *Engine) enqueueDelayTimer(exec *models.WorkflowExecution, step *models.Step, br *models.ActiveBranch) {
	payload := timerPayload{ExecutionID: exec.ID, StepID: step.ID, EnteredAt: br.EnteredAt.Unix()}
	dedupe := fmt.Sprintf("exec:%s:delay:%s:%d", exec.ID, step.ID, br.EnteredAt.Unix())
	if _, err := e.store.EnqueueTimer(TimerKindDelayResume, *br.WaitUntil, payload.encode(), dedupe); err != nil {
		slog.Error("Engine.enqueueDelayTimer: enqueue failed", "executionID", exec.ID, "stepID", step.ID, "error", err)
	}
}

// cancelStepTimers drops the pending timers of one step position.
func (e *Engine) cancelStepTimers(executionID, stepID string) {
	for _, prefix := range []string{
		fmt.Sprintf("exec:%s:timeout:%s:", executionID, stepID),
		fmt.Sprintf("exec:%s:delay:%s:", executionID, stepID),
	} {
		if _, err := e.store.CancelTimersByPrefix(prefix); err != nil {
			slog.Error("Engine.cancelStepTimers: cancel failed", "prefix", prefix, "error", err)
		}
	}
}

// exitBranch removes the branch at stepID from the active set and closes its
// history record. The fan-in barrier for the step re-arms.
func (e *Engine) exitBranch(exec *models.WorkflowExecution, stepID, outcome, detail string) {
	for i := range exec.Branches {
		if exec.Branches[i].StepID == stepID {
			exec.Branches = append(exec.Branches[:i], exec.Branches[i+1:]...)
			break
		}
	}
	exec.ResetFanIn(stepID)
	e.closeHistory(exec, stepID, outcome, detail)
}

// finishIfDone resolves the execution status once no branch can progress.
// Blocked branches keep the execution running (a stable, operator-visible
// state); completion requires a completed end step.
func (e *Engine) finishIfDone(exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) {
	if exec.Status != models.ExecutionStatusRunning {
		return
	}
	for _, br := range exec.Branches {
		if br.State == models.BranchRunning || br.State == models.BranchPending {
			return
		}
	}
	if len(exec.BlockedBranches()) > 0 {
		return
	}
	if !e.endReached(exec, tpl) {
		return
	}
	now := e.now()
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = &now
	if _, err := e.store.CancelTimersByPrefix("exec:" + exec.ID + ":"); err != nil {
		slog.Error("Engine.finishIfDone: cancel timers failed", "executionID", exec.ID, "error", err)
	}
	slog.Info("Engine.finishIfDone: execution completed", "executionID", exec.ID)
}

func (e *Engine) endReached(exec *models.WorkflowExecution, tpl *models.WorkflowTemplate) bool {
	for _, rec := range exec.History {
		if rec.Outcome != models.OutcomeCompleted {
			continue
		}
		if step := tpl.StepByID(rec.StepID); step != nil && step.Kind == models.StepKindEnd {
			return true
		}
	}
	return false
}

// appendHistory records an already-closed step event (skips, blocks).
func (e *Engine) appendHistory(exec *models.WorkflowExecution, stepID, outcome, detail string) {
	now := e.now()
	exec.History = append(exec.History, models.StepRecord{
		StepID:    stepID,
		EnteredAt: now,
		ExitedAt:  &now,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// closeHistory closes the open history record for stepID.
func (e *Engine) closeHistory(exec *models.WorkflowExecution, stepID, outcome, detail string) {
	if rec := openHistory(exec, stepID); rec != nil {
		now := e.now()
		rec.ExitedAt = &now
		rec.Outcome = outcome
		rec.Detail = detail
	}
}

// openHistory returns the most recent unclosed history record for stepID.
func openHistory(exec *models.WorkflowExecution, stepID string) *models.StepRecord {
	for i := len(exec.History) - 1; i >= 0; i-- {
		if exec.History[i].StepID == stepID && exec.History[i].ExitedAt == nil {
			return &exec.History[i]
		}
	}
	return nil
}

// toFloat converts a variable value to a float64 score.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
