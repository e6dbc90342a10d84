package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markus41/advisorflow/internal/assign"
	"github.com/markus41/advisorflow/internal/lock"
	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

// fakeClock is a settable time source shared by the engine and the timer
// runner in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store  *store.InMemoryStore
	engine *Engine
	runner *store.TimerRunner
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	clk := newFakeClock()
	eng := NewEngine(st, assign.NewAssignor(st), lock.NewLocalLocker(), WithClock(clk.Now))
	runner := store.NewTimerRunner(st, time.Second)
	RegisterJobHandlers(runner, eng)
	return &fixture{store: st, engine: eng, runner: runner, clock: clk}
}

func (f *fixture) saveTemplate(t *testing.T, tpl models.WorkflowTemplate) {
	t.Helper()
	if err := f.store.SaveTemplate(tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
}

func (f *fixture) mustGet(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()
	exec, err := f.engine.GetExecution(id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return exec
}

func TestStartWorkflowLinearTask(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, linearTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}
	br := exec.Branch("work")
	if br == nil || br.State != models.BranchRunning {
		t.Fatalf("expected active task branch, got %+v", exec.Branches)
	}

	if err := f.engine.CompleteStep(ctx, id, "work", map[string]any{"notes": "done"}); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	exec = f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.Variables["notes"] != "done" {
		t.Errorf("expected output merged into variables, got %v", exec.Variables)
	}
	if exec.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}
}

func TestStartWorkflowErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.StartWorkflow(ctx, "tpl_missing", 1, "client_1", nil)
	if !errors.Is(err, models.ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}

	tpl := linearTemplate()
	tpl.Variables = []models.VariableDef{
		{Name: "client_name", Type: models.VariableTypeString, Required: true},
		{Name: "priority", Type: models.VariableTypeString, Required: true, Default: "normal"},
	}
	f.saveTemplate(t, tpl)

	_, err = f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", nil)
	if !errors.Is(err, models.ErrMissingRequiredVariable) {
		t.Errorf("expected ErrMissingRequiredVariable, got %v", err)
	}

	id, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", map[string]any{"client_name": "Acme"})
	if err != nil {
		t.Fatalf("StartWorkflow with variables: %v", err)
	}
	exec := f.mustGet(t, id)
	if exec.Variables["priority"] != "normal" {
		t.Errorf("expected default applied, got %v", exec.Variables["priority"])
	}
}

func TestStartWorkflowConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	tpl := linearTemplate()
	tpl.Settings.MaxConcurrentInstances = 1
	f.saveTemplate(t, tpl)
	ctx := context.Background()

	if _, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", nil); err != nil {
		t.Fatalf("first StartWorkflow: %v", err)
	}
	_, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_2", nil)
	if !errors.Is(err, models.ErrConcurrencyLimit) {
		t.Fatalf("expected ErrConcurrencyLimit, got %v", err)
	}
}

func TestStartWorkflowLatestVersion(t *testing.T) {
	f := newFixture(t)
	for v := 1; v <= 2; v++ {
		tpl := linearTemplate()
		tpl.Version = v
		f.saveTemplate(t, tpl)
	}

	id, err := f.engine.StartWorkflow(context.Background(), "tpl_lin", 0, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if exec := f.mustGet(t, id); exec.TemplateVersion != 2 {
		t.Errorf("expected version pin 2, got %d", exec.TemplateVersion)
	}
}

// fanOutTemplate: start fans out to two tasks that join at the end step.
func fanOutTemplate() models.WorkflowTemplate {
	always := func() *models.Condition { return &models.Condition{} }
	return models.WorkflowTemplate{
		ID:      "tpl_fan",
		Version: 1,
		Name:    "Fan out and join",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{ID: "task_a", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "A"}}},
			{ID: "task_b", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "B"}}},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "task_a", Guard: always(), Label: "a"},
			{Source: "start", Target: "task_b", Guard: always(), Label: "b"},
			{Source: "task_a", Target: "end"},
			{Source: "task_b", Target: "end"},
		},
	}
}

func TestFanOutFanIn(t *testing.T) {
	orders := [][]string{
		{"task_a", "task_b"},
		{"task_b", "task_a"},
	}
	for _, order := range orders {
		t.Run(order[0]+" first", func(t *testing.T) {
			f := newFixture(t)
			f.saveTemplate(t, fanOutTemplate())
			ctx := context.Background()

			id, err := f.engine.StartWorkflow(ctx, "tpl_fan", 1, "client_1", nil)
			if err != nil {
				t.Fatalf("StartWorkflow: %v", err)
			}
			exec := f.mustGet(t, id)
			if len(exec.Branches) != 2 {
				t.Fatalf("expected 2 parallel branches, got %+v", exec.Branches)
			}

			if err := f.engine.CompleteStep(ctx, id, order[0], nil); err != nil {
				t.Fatalf("CompleteStep %s: %v", order[0], err)
			}
			exec = f.mustGet(t, id)
			if exec.Status != models.ExecutionStatusRunning {
				t.Fatalf("expected still running after partial join, got %s", exec.Status)
			}
			if exec.Branch("end") != nil {
				t.Fatal("join activated before all inbound edges fired")
			}

			if err := f.engine.CompleteStep(ctx, id, order[1], nil); err != nil {
				t.Fatalf("CompleteStep %s: %v", order[1], err)
			}
			exec = f.mustGet(t, id)
			if exec.Status != models.ExecutionStatusCompleted {
				t.Fatalf("expected completed after join, got %s; branches %+v", exec.Status, exec.Branches)
			}
		})
	}
}

func TestUnconditionalEdgesAreFallbackNotFanOut(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, models.WorkflowTemplate{
		ID:      "tpl_fallback",
		Version: 1,
		Name:    "Unconditional fallback order",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{ID: "task_a", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "A"}}},
			{ID: "task_b", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "B"}}},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "task_a"},
			{Source: "start", Target: "task_b"},
			{Source: "task_a", Target: "end"},
			{Source: "task_b", Target: "end"},
		},
	})
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_fallback", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Fan-out needs guards; of several unconditional edges only the first
	// declared one fires.
	exec := f.mustGet(t, id)
	if len(exec.Branches) != 1 {
		t.Fatalf("expected 1 branch, got %+v", exec.Branches)
	}
	if exec.Branch("task_a") == nil {
		t.Fatalf("expected first declared edge to fire, branches %+v", exec.Branches)
	}
	if exec.Branch("task_b") != nil {
		t.Fatal("second unconditional edge fired")
	}
}

func TestFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, fanOutTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_fan", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := f.engine.FailStep(ctx, id, "task_a", "document OCR crashed"); err != nil {
		t.Fatalf("FailStep: %v", err)
	}

	// The sibling branch is unaffected and can still complete.
	if err := f.engine.CompleteStep(ctx, id, "task_b", nil); err != nil {
		t.Fatalf("CompleteStep task_b: %v", err)
	}

	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusRunning {
		t.Fatalf("expected execution still running with failed branch reported, got %s", exec.Status)
	}
	blocked := exec.BlockedBranches()
	if len(blocked) != 1 || blocked[0].StepID != "task_a" || blocked[0].BlockedReason != models.BlockedReasonStepFailed {
		t.Fatalf("expected task_a reported failed, got %+v", blocked)
	}
}

func decisionTemplate() models.WorkflowTemplate {
	th := func(v float64) *float64 { return &v }
	return models.WorkflowTemplate{
		ID:      "tpl_gate",
		Version: 1,
		Name:    "Quality gate",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{ID: "gate", Kind: models.StepKindDecision, Config: models.StepConfig{Decision: &models.DecisionConfig{ScoreVariable: "quality_score"}}},
			{ID: "approve", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "Approve"}}},
			{ID: "rework", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "Rework"}}},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "gate"},
			{Source: "gate", Target: "approve", Threshold: th(80), Label: "high"},
			{Source: "gate", Target: "rework", Threshold: th(0), Label: "low"},
			{Source: "approve", Target: "end"},
			{Source: "rework", Target: "end"},
		},
	}
}

func TestDecisionSelectsHighestExceededThreshold(t *testing.T) {
	tests := []struct {
		score    float64
		wantStep string
	}{
		{95, "approve"},
		{80, "rework"}, // threshold must be exceeded, not met
		{42, "rework"},
	}
	for _, tc := range tests {
		f := newFixture(t)
		f.saveTemplate(t, decisionTemplate())

		id, err := f.engine.StartWorkflow(context.Background(), "tpl_gate", 1, "client_1", map[string]any{"quality_score": tc.score})
		if err != nil {
			t.Fatalf("StartWorkflow: %v", err)
		}
		exec := f.mustGet(t, id)
		if exec.Branch(tc.wantStep) == nil {
			t.Errorf("score %v: expected branch at %s, got %+v", tc.score, tc.wantStep, exec.Branches)
		}
	}
}

func TestDecisionBlocksWithoutMatch(t *testing.T) {
	f := newFixture(t)
	tpl := decisionTemplate()
	// Raise both thresholds above any score the test sets.
	hi := 200.0
	tpl.Edges[1].Threshold = &hi
	tpl.Edges[2].Threshold = &hi
	f.saveTemplate(t, tpl)

	id, err := f.engine.StartWorkflow(context.Background(), "tpl_gate", 1, "client_1", map[string]any{"quality_score": 10.0})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	exec := f.mustGet(t, id)
	br := exec.Branch("gate")
	if br == nil || br.State != models.BranchBlocked || br.BlockedReason != models.BlockedReasonInvalidTransition {
		t.Fatalf("expected gate blocked with invalid_transition, got %+v", exec.Branches)
	}
	if exec.Status != models.ExecutionStatusRunning {
		t.Errorf("blocked execution should remain running for operators, got %s", exec.Status)
	}
}

// timeoutTemplate mirrors a five-day collect step that escalates on expiry.
func timeoutTemplate() models.WorkflowTemplate {
	return models.WorkflowTemplate{
		ID:      "tpl_collect",
		Version: 1,
		Name:    "Document collection",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{
				ID:      "collect",
				Kind:    models.StepKindTask,
				Config:  models.StepConfig{Task: &models.TaskConfig{Title: "Collect documents"}},
				Timeout: &models.TimeoutPolicy{Duration: 5, Unit: models.UnitDays, OnExpiry: models.TimeoutActionEscalate},
			},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "collect"},
			{Source: "collect", Target: "end"},
		},
		Settings: models.TemplateSettings{
			EscalationPath: []models.EscalationEntry{
				{NotifyChannel: "email", NotifyRecipient: "lead@example.com", Message: "Documents overdue"},
				{NotifyChannel: "email", NotifyRecipient: "partner@example.com"},
			},
		},
	}
}

func TestTimeoutEscalation(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, timeoutTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_collect", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// No completion within five days: the durable timer fires.
	f.clock.Advance(5*24*time.Hour + time.Minute)
	f.runner.Poll(ctx, f.clock.Now())

	exec := f.mustGet(t, id)
	if exec.EscalationLevel != 1 {
		t.Errorf("expected escalation level 1, got %d", exec.EscalationLevel)
	}
	if exec.Status != models.ExecutionStatusRunning {
		t.Errorf("expected execution still running, got %s", exec.Status)
	}
	foundEscalation := false
	for _, rec := range exec.History {
		if rec.StepID == "collect" && rec.Outcome == models.OutcomeEscalated {
			foundEscalation = true
		}
	}
	if !foundEscalation {
		t.Error("expected an escalation event in history")
	}

	cmds := f.store.Notifications()
	if len(cmds) != 1 || cmds[0].Recipient != "lead@example.com" {
		t.Fatalf("expected one escalation notification to the lead, got %+v", cmds)
	}

	// Second expiry escalates to the next path entry.
	f.clock.Advance(5*24*time.Hour + time.Minute)
	f.runner.Poll(ctx, f.clock.Now())
	exec = f.mustGet(t, id)
	if exec.EscalationLevel != 2 {
		t.Errorf("expected escalation level 2, got %d", exec.EscalationLevel)
	}

	// Third expiry exhausts the path: branch blocked, not failed.
	f.clock.Advance(5*24*time.Hour + time.Minute)
	f.runner.Poll(ctx, f.clock.Now())
	exec = f.mustGet(t, id)
	br := exec.Branch("collect")
	if br == nil || br.State != models.BranchBlocked || br.BlockedReason != models.BlockedReasonEscalationExhausted {
		t.Fatalf("expected collect blocked on exhaustion, got %+v", exec.Branches)
	}
	if exec.Status != models.ExecutionStatusRunning {
		t.Errorf("exhaustion should not fail the execution by default, got %s", exec.Status)
	}
}

func TestTimeoutExhaustionFailsWhenMapped(t *testing.T) {
	f := newFixture(t)
	tpl := timeoutTemplate()
	tpl.Settings.EscalationPath = nil
	tpl.Settings.ExhaustionFails = true
	f.saveTemplate(t, tpl)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_collect", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	f.clock.Advance(5*24*time.Hour + time.Minute)
	f.runner.Poll(ctx, f.clock.Now())

	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusFailed {
		t.Fatalf("expected failed execution, got %s", exec.Status)
	}
}

func TestTimeoutTimerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, timeoutTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_collect", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Complete before expiry; the stale timer must be a no-op even if it
	// somehow fires.
	if err := f.engine.CompleteStep(ctx, id, "collect", nil); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	f.clock.Advance(6 * 24 * time.Hour)
	f.runner.Poll(ctx, f.clock.Now())

	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.EscalationLevel != 0 {
		t.Errorf("stale timer escalated a finished execution: level %d", exec.EscalationLevel)
	}
}

func delayTemplate() models.WorkflowTemplate {
	return models.WorkflowTemplate{
		ID:      "tpl_delay",
		Version: 1,
		Name:    "Waiting period",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{ID: "wait", Kind: models.StepKindDelay, Config: models.StepConfig{Delay: &models.DelayConfig{Duration: 48, Unit: models.UnitHours}}},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "end"},
		},
	}
}

func TestDelayStepSuspendsAndResumes(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, delayTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_delay", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	exec := f.mustGet(t, id)
	br := exec.Branch("wait")
	if br == nil || br.WaitUntil == nil {
		t.Fatalf("expected suspended delay branch, got %+v", exec.Branches)
	}

	// The due-time lives in the durable index, not in process memory.
	if len(f.store.Timers()) == 0 {
		t.Fatal("expected a durable delay timer")
	}

	// Early polls do nothing.
	f.runner.Poll(ctx, f.clock.Now())
	if exec := f.mustGet(t, id); exec.Status != models.ExecutionStatusRunning {
		t.Fatalf("expected still waiting, got %s", exec.Status)
	}

	f.clock.Advance(48*time.Hour + time.Minute)
	f.runner.Poll(ctx, f.clock.Now())

	exec = f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected completed after delay elapsed, got %s", exec.Status)
	}
}

func TestCancelIsIdempotentAndDropsTimers(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, delayTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_delay", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := f.engine.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.engine.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel again: %v", err)
	}

	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", exec.Status)
	}

	for _, tm := range f.store.Timers() {
		if tm.Status == store.TimerStatusQueued {
			t.Errorf("expected no queued timers after cancel, found %+v", tm)
		}
	}

	// A late poll changes nothing.
	f.clock.Advance(72 * time.Hour)
	f.runner.Poll(ctx, f.clock.Now())
	if exec := f.mustGet(t, id); exec.Status != models.ExecutionStatusCancelled {
		t.Errorf("cancelled execution moved to %s", exec.Status)
	}
}

func TestPauseDefersTimersAndResumeRecovers(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, delayTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_delay", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := f.engine.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Delay elapses while paused: the timer defers instead of advancing.
	f.clock.Advance(48*time.Hour + time.Minute)
	f.runner.Poll(ctx, f.clock.Now())
	if exec := f.mustGet(t, id); exec.Status != models.ExecutionStatusPaused {
		t.Fatalf("paused execution advanced to %s", exec.Status)
	}

	if err := f.engine.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// The deferred timer fires on a later poll; position was not lost.
	f.clock.Advance(2 * time.Minute)
	f.runner.Poll(ctx, f.clock.Now())

	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected completed after resume, got %s", exec.Status)
	}
}

func revisionTemplate() models.WorkflowTemplate {
	needsRevision := &models.Condition{Field: "revisions_needed", Operator: models.OpEquals, Value: true}
	return models.WorkflowTemplate{
		ID:      "tpl_review",
		Version: 1,
		Name:    "Review loop",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{ID: "data_entry", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "Data entry"}}},
			{ID: "review", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "Review"}}},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "data_entry"},
			{Source: "data_entry", Target: "review"},
			{Source: "review", Target: "data_entry", Guard: needsRevision, Revision: true},
			{Source: "review", Target: "end"},
		},
	}
}

func TestRevisionLoopTracksRevisits(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, revisionTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_review", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := f.engine.CompleteStep(ctx, id, "data_entry", nil); err != nil {
		t.Fatalf("CompleteStep data_entry: %v", err)
	}
	if err := f.engine.CompleteStep(ctx, id, "review", map[string]any{"revisions_needed": true}); err != nil {
		t.Fatalf("CompleteStep review: %v", err)
	}

	exec := f.mustGet(t, id)
	if exec.RevisitCounts["data_entry"] != 1 {
		t.Fatalf("expected one revisit of data_entry, got %v", exec.RevisitCounts)
	}
	if exec.Branch("data_entry") == nil {
		t.Fatal("expected data_entry re-activated")
	}

	// Second pass approves.
	if err := f.engine.CompleteStep(ctx, id, "data_entry", map[string]any{"revisions_needed": false}); err != nil {
		t.Fatalf("CompleteStep data_entry second: %v", err)
	}
	if err := f.engine.CompleteStep(ctx, id, "review", nil); err != nil {
		t.Fatalf("CompleteStep review second: %v", err)
	}
	exec = f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
}

func TestAutoAssignmentBooksWorkload(t *testing.T) {
	f := newFixture(t)
	tpl := linearTemplate()
	tpl.Steps[1].Assignee = &models.AssigneeRule{
		Kind:           models.AssigneeAutoBySkill,
		SkillsRequired: []string{"bookkeeping"},
		EstimatedHours: 6,
	}
	f.saveTemplate(t, tpl)
	if err := f.store.SaveTeamMember(models.TeamMember{
		ID: "tm_1", Skills: []string{"bookkeeping"}, MaxCapacity: 40, Efficiency: 0.9, HourlyRate: 60,
	}); err != nil {
		t.Fatalf("SaveTeamMember: %v", err)
	}
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	exec := f.mustGet(t, id)
	br := exec.Branch("work")
	if br == nil || br.AssigneeID != "tm_1" {
		t.Fatalf("expected work assigned to tm_1, got %+v", exec.Branches)
	}
	m, err := f.store.GetTeamMember("tm_1")
	if err != nil {
		t.Fatalf("GetTeamMember: %v", err)
	}
	if m.CurrentWorkload != 6 {
		t.Errorf("expected 6h booked, got %v", m.CurrentWorkload)
	}

	if err := f.engine.CompleteStep(ctx, id, "work", nil); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	m, err = f.store.GetTeamMember("tm_1")
	if err != nil {
		t.Fatalf("GetTeamMember after release: %v", err)
	}
	if m.CurrentWorkload != 0 {
		t.Errorf("expected hours released on completion, got %v", m.CurrentWorkload)
	}
}

func TestUnassignableTaskStaysPending(t *testing.T) {
	f := newFixture(t)
	tpl := linearTemplate()
	tpl.Steps[1].Assignee = &models.AssigneeRule{
		Kind:           models.AssigneeAutoBySkill,
		SkillsRequired: []string{"forensic_accounting"},
	}
	f.saveTemplate(t, tpl)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	exec := f.mustGet(t, id)
	br := exec.Branch("work")
	if br == nil || br.State != models.BranchPending {
		t.Fatalf("expected pending branch while unassignable, got %+v", exec.Branches)
	}

	// Once a qualified member appears, a tick picks them up.
	if err := f.store.SaveTeamMember(models.TeamMember{
		ID: "tm_9", Skills: []string{"forensic_accounting"}, MaxCapacity: 40, Efficiency: 0.8,
	}); err != nil {
		t.Fatalf("SaveTeamMember: %v", err)
	}
	if err := f.engine.Tick(ctx, id); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	exec = f.mustGet(t, id)
	br = exec.Branch("work")
	if br == nil || br.State != models.BranchRunning || br.AssigneeID != "tm_9" {
		t.Fatalf("expected assignment on tick, got %+v", exec.Branches)
	}
}

func TestRepeatedTickIsStable(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, linearTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_lin", 1, "client_1", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	before := f.mustGet(t, id)
	for i := 0; i < 5; i++ {
		if err := f.engine.Tick(ctx, id); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	after := f.mustGet(t, id)
	if len(after.History) != len(before.History) || len(after.Branches) != len(before.Branches) {
		t.Fatalf("repeated ticks churned state: before %d/%d, after %d/%d",
			len(before.Branches), len(before.History), len(after.Branches), len(after.History))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.saveTemplate(t, fanOutTemplate())
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, "tpl_fan", 1, "client_1", map[string]any{"client_name": "Acme"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := f.engine.CompleteStep(ctx, id, "task_a", nil); err != nil {
		t.Fatalf("CompleteStep task_a: %v", err)
	}

	// Serialize the snapshot, reload it, and confirm identical subsequent
	// behavior.
	exec := f.mustGet(t, id)
	raw, err := json.Marshal(exec)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var restored models.WorkflowExecution
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if err := f.store.SaveExecution(restored); err != nil {
		t.Fatalf("SaveExecution restored: %v", err)
	}

	if err := f.engine.CompleteStep(ctx, id, "task_b", nil); err != nil {
		t.Fatalf("CompleteStep task_b after reload: %v", err)
	}
	final := f.mustGet(t, id)
	if final.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected completed after reload, got %s", final.Status)
	}
}

func TestEntryConditionSkipsStep(t *testing.T) {
	f := newFixture(t)
	tpl := linearTemplate()
	tpl.Steps[1].EntryConditions = []models.Condition{
		{Field: "needs_review", Operator: models.OpEquals, Value: true},
	}
	f.saveTemplate(t, tpl)

	id, err := f.engine.StartWorkflow(context.Background(), "tpl_lin", 1, "client_1", map[string]any{"needs_review": false})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	exec := f.mustGet(t, id)
	if exec.Status != models.ExecutionStatusCompleted {
		t.Fatalf("expected skip-through to completion, got %s", exec.Status)
	}
	skipped := false
	for _, rec := range exec.History {
		if rec.StepID == "work" && rec.Outcome == models.OutcomeSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Error("expected a skipped history record for work")
	}
}
