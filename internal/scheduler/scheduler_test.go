package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/segment"
	"github.com/markus41/advisorflow/internal/store"
)

type startedExecution struct {
	TemplateID string
	Version    int
	ClientID   string
}

// fakeStarter records StartWorkflow calls.
type fakeStarter struct {
	mu      sync.Mutex
	started []startedExecution
	err     error
}

func (f *fakeStarter) StartWorkflow(ctx context.Context, templateID string, version int, clientID string, variables map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, startedExecution{TemplateID: templateID, Version: version, ClientID: clientID})
	return fmt.Sprintf("ex_%d", len(f.started)), nil
}

func (f *fakeStarter) all() []startedExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startedExecution(nil), f.started...)
}

// fakeDirectory serves a static client list.
type fakeDirectory map[string]map[string]any

func (d fakeDirectory) ListClientIDs() ([]string, error) {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	return ids, nil
}

func (d fakeDirectory) ClientFields(clientID string) (map[string]any, error) {
	return d[clientID], nil
}

func reviewSegmentStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	err := st.SaveSegment(models.Segment{
		ID: "seg_retirement",
		Include: []models.Condition{
			{Field: "plan_type", Operator: models.OpEquals, Value: "retirement"},
		},
	})
	if err != nil {
		t.Fatalf("SaveSegment: %v", err)
	}
	return st
}

func TestFireEventGatesOnSegment(t *testing.T) {
	dir := fakeDirectory{
		"client_ret": {"plan_type": "retirement"},
		"client_529": {"plan_type": "college"},
	}
	eng := &fakeStarter{}
	matcher := segment.NewMatcher(reviewSegmentStore(t), dir)
	svc := NewTriggerService(nil, eng, matcher, dir)

	tpl := models.WorkflowTemplate{
		ID: "tpl_review", Version: 2,
		Triggers: []models.Trigger{
			{Type: models.TriggerTypeEvent, Event: "plan_updated", SegmentID: "seg_retirement"},
		},
	}
	if err := svc.RegisterTemplate(&tpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	ctx := context.Background()

	ids, err := svc.FireEvent(ctx, "plan_updated", "client_ret", nil)
	if err != nil || len(ids) != 1 {
		t.Fatalf("matching client: ids=%v err=%v", ids, err)
	}
	ids, err = svc.FireEvent(ctx, "plan_updated", "client_529", nil)
	if err != nil || len(ids) != 0 {
		t.Fatalf("non-matching client: ids=%v err=%v", ids, err)
	}
	ids, err = svc.FireEvent(ctx, "unrelated_event", "client_ret", nil)
	if err != nil || len(ids) != 0 {
		t.Fatalf("unbound event: ids=%v err=%v", ids, err)
	}

	started := eng.all()
	if len(started) != 1 || started[0].TemplateID != "tpl_review" || started[0].Version != 2 || started[0].ClientID != "client_ret" {
		t.Fatalf("started = %+v", started)
	}
}

func TestRegisterTemplateRejectsBadTriggers(t *testing.T) {
	svc := NewTriggerService(nil, &fakeStarter{}, nil, nil)

	noName := models.WorkflowTemplate{ID: "tpl_a", Version: 1, Triggers: []models.Trigger{{Type: models.TriggerTypeEvent}}}
	if err := svc.RegisterTemplate(&noName); err == nil {
		t.Fatalf("expected error for event trigger without a name")
	}

	noWindow := models.WorkflowTemplate{ID: "tpl_b", Version: 1, Triggers: []models.Trigger{{Type: models.TriggerTypeDeadline, DeadlineField: "due"}}}
	if err := svc.RegisterTemplate(&noWindow); err == nil {
		t.Fatalf("expected error for deadline trigger without a window")
	}

	cronNoSched := models.WorkflowTemplate{ID: "tpl_c", Version: 1, Triggers: []models.Trigger{{Type: models.TriggerTypeSchedule, Cron: "0 9 * * *"}}}
	if err := svc.RegisterTemplate(&cronNoSched); err == nil {
		t.Fatalf("expected error for scheduled trigger without a scheduler")
	}
}

func TestRegisterTemplateRejectsInvalidCron(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	svc := NewTriggerService(sched, &fakeStarter{}, nil, nil)

	bad := models.WorkflowTemplate{ID: "tpl_bad", Version: 1, Triggers: []models.Trigger{{Type: models.TriggerTypeSchedule, Cron: "not a schedule"}}}
	if err := svc.RegisterTemplate(&bad); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}

	good := models.WorkflowTemplate{ID: "tpl_good", Version: 1, Triggers: []models.Trigger{{Type: models.TriggerTypeSchedule, Cron: "0 9 * * 1"}}}
	if err := svc.RegisterTemplate(&good); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
}

func TestSweepDeadlines(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	dir := fakeDirectory{
		"client_soon": {"rmd_due": now.Add(36 * time.Hour).Format(time.RFC3339)},
		"client_far":  {"rmd_due": now.Add(30 * 24 * time.Hour).Format(time.RFC3339)},
		"client_past": {"rmd_due": now.Add(-2 * time.Hour).Format(time.RFC3339)},
		"client_none": {},
	}
	eng := &fakeStarter{}
	svc := NewTriggerService(nil, eng, nil, dir, WithClock(func() time.Time { return now }))

	tpl := models.WorkflowTemplate{
		ID: "tpl_rmd", Version: 1,
		Triggers: []models.Trigger{
			{Type: models.TriggerTypeDeadline, DeadlineField: "rmd_due", DeadlineWithinHours: 72},
		},
	}
	if err := svc.RegisterTemplate(&tpl); err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	ctx := context.Background()

	if err := svc.SweepDeadlines(ctx); err != nil {
		t.Fatalf("SweepDeadlines: %v", err)
	}
	started := eng.all()
	if len(started) != 1 || started[0].ClientID != "client_soon" {
		t.Fatalf("started = %+v, want only client_soon", started)
	}

	// A second sweep does not refire the same deadline.
	if err := svc.SweepDeadlines(ctx); err != nil {
		t.Fatalf("second SweepDeadlines: %v", err)
	}
	if got := eng.all(); len(got) != 1 {
		t.Fatalf("refired: %+v", got)
	}
}
