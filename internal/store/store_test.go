package store

import (
	"testing"
	"time"

	"github.com/markus41/advisorflow/internal/models"
)

func TestInMemoryStoreTemplateVersioning(t *testing.T) {
	s := NewInMemoryStore()

	for v := 1; v <= 3; v++ {
		tpl := models.WorkflowTemplate{ID: "tpl_onboard", Version: v, Name: "Client Onboarding"}
		if err := s.SaveTemplate(tpl); err != nil {
			t.Fatalf("SaveTemplate v%d: %v", v, err)
		}
	}

	got, err := s.GetTemplate("tpl_onboard", 2)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got == nil || got.Version != 2 {
		t.Fatalf("expected version 2, got %+v", got)
	}

	latest, err := s.LatestTemplateVersion("tpl_onboard")
	if err != nil {
		t.Fatalf("LatestTemplateVersion: %v", err)
	}
	if latest != 3 {
		t.Errorf("expected latest version 3, got %d", latest)
	}

	missing, err := s.GetTemplate("tpl_onboard", 9)
	if err != nil {
		t.Fatalf("GetTemplate missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing version, got %+v", missing)
	}

	none, err := s.LatestTemplateVersion("tpl_unknown")
	if err != nil {
		t.Fatalf("LatestTemplateVersion unknown: %v", err)
	}
	if none != 0 {
		t.Errorf("expected 0 for unknown template, got %d", none)
	}
}

func TestInMemoryStoreCopiesOnWrite(t *testing.T) {
	s := NewInMemoryStore()

	e := models.WorkflowExecution{
		ID:        "wx_1",
		Status:    models.ExecutionStatusRunning,
		Variables: map[string]any{"client_name": "Acme"},
		CreatedAt: time.Now(),
	}
	if err := s.SaveExecution(e); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	e.Variables["client_name"] = "Globex"

	got, err := s.GetExecution("wx_1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Variables["client_name"] != "Acme" {
		t.Errorf("store shared state with caller: %v", got.Variables["client_name"])
	}

	// Mutating a read result must not leak either.
	got.Variables["client_name"] = "Initech"
	again, err := s.GetExecution("wx_1")
	if err != nil {
		t.Fatalf("GetExecution again: %v", err)
	}
	if again.Variables["client_name"] != "Acme" {
		t.Errorf("store shared state with reader: %v", again.Variables["client_name"])
	}
}

func TestInMemoryStoreCountActiveExecutions(t *testing.T) {
	s := NewInMemoryStore()

	statuses := []models.ExecutionStatus{
		models.ExecutionStatusRunning,
		models.ExecutionStatusPaused,
		models.ExecutionStatusCompleted,
		models.ExecutionStatusFailed,
		models.ExecutionStatusCancelled,
	}
	for i, st := range statuses {
		e := models.WorkflowExecution{
			ID:         "wx_" + string(rune('a'+i)),
			TemplateID: "tpl_1",
			Status:     st,
		}
		if err := s.SaveExecution(e); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}

	n, err := s.CountActiveExecutions("tpl_1")
	if err != nil {
		t.Fatalf("CountActiveExecutions: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 active executions (running + paused), got %d", n)
	}
}

func TestInMemoryStoreApplyWorkloadDelta(t *testing.T) {
	s := NewInMemoryStore()

	m := models.TeamMember{ID: "tm_1", Name: "Jordan", CurrentWorkload: 10, MaxCapacity: 40}
	if err := s.SaveTeamMember(m); err != nil {
		t.Fatalf("SaveTeamMember: %v", err)
	}

	got, err := s.ApplyWorkloadDelta("tm_1", 25)
	if err != nil {
		t.Fatalf("ApplyWorkloadDelta: %v", err)
	}
	if got.CurrentWorkload != 35 || got.OverAllocated {
		t.Errorf("expected workload 35 not over-allocated, got %+v", got)
	}

	// Over capacity is recorded, not rejected.
	got, err = s.ApplyWorkloadDelta("tm_1", 10)
	if err != nil {
		t.Fatalf("ApplyWorkloadDelta over capacity: %v", err)
	}
	if got.CurrentWorkload != 45 || !got.OverAllocated {
		t.Errorf("expected workload 45 over-allocated, got %+v", got)
	}

	// Releases clamp at zero.
	got, err = s.ApplyWorkloadDelta("tm_1", -100)
	if err != nil {
		t.Fatalf("ApplyWorkloadDelta release: %v", err)
	}
	if got.CurrentWorkload != 0 || got.OverAllocated {
		t.Errorf("expected workload clamped to 0, got %+v", got)
	}

	if _, err := s.ApplyWorkloadDelta("tm_missing", 1); err == nil {
		t.Error("expected error for unknown member")
	}
}

func TestInMemoryStoreLatestCampaignExecution(t *testing.T) {
	s := NewInMemoryStore()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := models.CampaignExecution{
			ID:         "cx_" + string(rune('a'+i)),
			CampaignID: "camp_1",
			ClientID:   "client_1",
			Status:     models.CampaignStatusCompleted,
			CreatedAt:  base.Add(time.Duration(i) * 24 * time.Hour),
		}
		if err := s.SaveCampaignExecution(e); err != nil {
			t.Fatalf("SaveCampaignExecution: %v", err)
		}
	}
	// Different client should not interfere.
	other := models.CampaignExecution{
		ID: "cx_other", CampaignID: "camp_1", ClientID: "client_2",
		CreatedAt: base.Add(30 * 24 * time.Hour),
	}
	if err := s.SaveCampaignExecution(other); err != nil {
		t.Fatalf("SaveCampaignExecution other: %v", err)
	}

	got, err := s.LatestCampaignExecution("camp_1", "client_1")
	if err != nil {
		t.Fatalf("LatestCampaignExecution: %v", err)
	}
	if got == nil || got.ID != "cx_c" {
		t.Fatalf("expected cx_c, got %+v", got)
	}

	none, err := s.LatestCampaignExecution("camp_1", "client_9")
	if err != nil {
		t.Fatalf("LatestCampaignExecution missing: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown client, got %+v", none)
	}
}

func TestInMemoryStoreTimerDedupe(t *testing.T) {
	s := NewInMemoryStore()
	runAt := time.Now().Add(time.Hour)

	id1, err := s.EnqueueTimer("step_timeout", runAt, `{}`, "exec:wx_1:timeout:review:100")
	if err != nil {
		t.Fatalf("EnqueueTimer: %v", err)
	}
	id2, err := s.EnqueueTimer("step_timeout", runAt, `{}`, "exec:wx_1:timeout:review:100")
	if err != nil {
		t.Fatalf("EnqueueTimer dup: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe hit to return existing ID, got %s and %s", id1, id2)
	}

	// A different key is a new timer.
	id3, err := s.EnqueueTimer("step_timeout", runAt, `{}`, "exec:wx_1:timeout:review:200")
	if err != nil {
		t.Fatalf("EnqueueTimer new key: %v", err)
	}
	if id3 == id1 {
		t.Error("expected distinct timer for distinct dedupe key")
	}

	// Cancel by prefix drops both pending timers.
	n, err := s.CancelTimersByPrefix("exec:wx_1:")
	if err != nil {
		t.Fatalf("CancelTimersByPrefix: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 canceled timers, got %d", n)
	}

	// After cancellation the same key enqueues fresh.
	id4, err := s.EnqueueTimer("step_timeout", runAt, `{}`, "exec:wx_1:timeout:review:100")
	if err != nil {
		t.Fatalf("EnqueueTimer after cancel: %v", err)
	}
	if id4 == id1 {
		t.Error("expected new timer after cancellation")
	}
}

func TestInMemoryStoreClaimDueTimers(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()

	dueID, err := s.EnqueueTimer("step_timeout", now.Add(-time.Minute), `{"a":1}`, "")
	if err != nil {
		t.Fatalf("EnqueueTimer due: %v", err)
	}
	if _, err := s.EnqueueTimer("step_timeout", now.Add(time.Hour), `{"b":2}`, ""); err != nil {
		t.Fatalf("EnqueueTimer future: %v", err)
	}

	claimed, err := s.ClaimDueTimers(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueTimers: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != dueID {
		t.Fatalf("expected only due timer claimed, got %+v", claimed)
	}
	if claimed[0].Status != TimerStatusRunning {
		t.Errorf("expected claimed timer running, got %s", claimed[0].Status)
	}

	// A second poll must not re-claim the running timer.
	again, err := s.ClaimDueTimers(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueTimers again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no timers on second claim, got %d", len(again))
	}
}

func TestInMemoryStoreFailTimerRetriesThenFails(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()

	id, err := s.EnqueueTimer("step_timeout", now, `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueTimer: %v", err)
	}

	// Attempts 1 and 2 requeue; attempt 3 hits max and fails permanently.
	for i := 1; i <= 2; i++ {
		if err := s.FailTimer(id, "boom", now.Add(time.Minute)); err != nil {
			t.Fatalf("FailTimer %d: %v", i, err)
		}
		tm, err := s.GetTimer(id)
		if err != nil {
			t.Fatalf("GetTimer: %v", err)
		}
		if tm.Status != TimerStatusQueued {
			t.Fatalf("attempt %d: expected queued, got %s", i, tm.Status)
		}
	}
	if err := s.FailTimer(id, "boom", now.Add(time.Minute)); err != nil {
		t.Fatalf("FailTimer final: %v", err)
	}
	tm, err := s.GetTimer(id)
	if err != nil {
		t.Fatalf("GetTimer final: %v", err)
	}
	if tm.Status != TimerStatusFailed {
		t.Errorf("expected failed after max attempts, got %s", tm.Status)
	}
	if tm.LastError != "boom" {
		t.Errorf("expected last error recorded, got %q", tm.LastError)
	}
}

func TestInMemoryStoreRequeueStaleTimers(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()

	id, err := s.EnqueueTimer("step_timeout", now.Add(-time.Hour), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueTimer: %v", err)
	}
	if _, err := s.ClaimDueTimers(now.Add(-30*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDueTimers: %v", err)
	}

	n, err := s.RequeueStaleTimers(now.Add(-5 * time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleTimers: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued timer, got %d", n)
	}
	tm, err := s.GetTimer(id)
	if err != nil {
		t.Fatalf("GetTimer: %v", err)
	}
	if tm.Status != TimerStatusQueued || tm.LockedAt != nil {
		t.Errorf("expected requeued timer unlocked, got %+v", tm)
	}
}

func TestInMemoryStoreNotificationDedupe(t *testing.T) {
	s := NewInMemoryStore()

	id1, err := s.EnqueueNotification("wx_1", "email", "lead@example.com", "Review overdue", "exec:wx_1:esc:0")
	if err != nil {
		t.Fatalf("EnqueueNotification: %v", err)
	}
	id2, err := s.EnqueueNotification("wx_1", "email", "lead@example.com", "Review overdue", "exec:wx_1:esc:0")
	if err != nil {
		t.Fatalf("EnqueueNotification dup: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe hit, got %s and %s", id1, id2)
	}

	cmds, err := s.ClaimDueNotifications(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueNotifications: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 claimed command, got %d", len(cmds))
	}
	if err := s.MarkNotificationSent(cmds[0].ID); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}

	// After delivery the same key enqueues a fresh command.
	id3, err := s.EnqueueNotification("wx_1", "email", "lead@example.com", "Review overdue", "exec:wx_1:esc:0")
	if err != nil {
		t.Fatalf("EnqueueNotification after sent: %v", err)
	}
	if id3 == id1 {
		t.Error("expected new command after previous one was sent")
	}
}
