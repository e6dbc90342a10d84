// Package store provides an in-memory store used by tests and by
// single-process development runs without a database.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/util"
)

// InMemoryStore implements the full Store surface with process-local maps.
// Values are copied through JSON on the way in and out so callers never
// share state with the store.
type InMemoryStore struct {
	mu           sync.Mutex
	templates    map[string]models.WorkflowTemplate // key: id@version
	executions   map[string]models.WorkflowExecution
	campaigns    map[string]models.Campaign
	campaignExec map[string]models.CampaignExecution
	members      map[string]models.TeamMember
	segments     map[string]models.Segment
	timers       map[string]Timer
	outbox       map[string]NotificationCommand
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		templates:    make(map[string]models.WorkflowTemplate),
		executions:   make(map[string]models.WorkflowExecution),
		campaigns:    make(map[string]models.Campaign),
		campaignExec: make(map[string]models.CampaignExecution),
		members:      make(map[string]models.TeamMember),
		segments:     make(map[string]models.Segment),
		timers:       make(map[string]Timer),
		outbox:       make(map[string]NotificationCommand),
	}
}

var _ Store = (*InMemoryStore)(nil)

func templateKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// deepCopy round-trips v through JSON into out. All stored models are plain
// data, so this is a safe structural copy.
func deepCopy(v, out any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: deep copy marshal: %v", err))
	}
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("store: deep copy unmarshal: %v", err))
	}
}

func (s *InMemoryStore) SaveTemplate(t models.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp models.WorkflowTemplate
	deepCopy(t, &cp)
	s.templates[templateKey(t.ID, t.Version)] = cp
	return nil
}

func (s *InMemoryStore) GetTemplate(id string, version int) (*models.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateKey(id, version)]
	if !ok {
		return nil, nil
	}
	var cp models.WorkflowTemplate
	deepCopy(t, &cp)
	return &cp, nil
}

func (s *InMemoryStore) LatestTemplateVersion(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for _, t := range s.templates {
		if t.ID == id && t.Version > latest {
			latest = t.Version
		}
	}
	return latest, nil
}

func (s *InMemoryStore) SaveExecution(e models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp models.WorkflowExecution
	deepCopy(e, &cp)
	s.executions[e.ID] = cp
	return nil
}

func (s *InMemoryStore) GetExecution(id string) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	var cp models.WorkflowExecution
	deepCopy(e, &cp)
	return &cp, nil
}

func (s *InMemoryStore) ListExecutions() ([]models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkflowExecution, 0, len(s.executions))
	for _, e := range s.executions {
		var cp models.WorkflowExecution
		deepCopy(e, &cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CountActiveExecutions(templateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.executions {
		if e.TemplateID == templateID && !e.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveCampaign(c models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp models.Campaign
	deepCopy(c, &cp)
	s.campaigns[c.ID] = cp
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	var cp models.Campaign
	deepCopy(c, &cp)
	return &cp, nil
}

func (s *InMemoryStore) SaveCampaignExecution(e models.CampaignExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp models.CampaignExecution
	deepCopy(e, &cp)
	s.campaignExec[e.ID] = cp
	return nil
}

func (s *InMemoryStore) GetCampaignExecution(id string) (*models.CampaignExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.campaignExec[id]
	if !ok {
		return nil, nil
	}
	var cp models.CampaignExecution
	deepCopy(e, &cp)
	return &cp, nil
}

func (s *InMemoryStore) LatestCampaignExecution(campaignID, clientID string) (*models.CampaignExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.CampaignExecution
	for _, e := range s.campaignExec {
		if e.CampaignID != campaignID || e.ClientID != clientID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			cp := e
			latest = &cp
		}
	}
	if latest == nil {
		return nil, nil
	}
	var cp models.CampaignExecution
	deepCopy(*latest, &cp)
	return &cp, nil
}

func (s *InMemoryStore) ListCampaignExecutions(campaignID string) ([]models.CampaignExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CampaignExecution
	for _, e := range s.campaignExec {
		if campaignID != "" && e.CampaignID != campaignID {
			continue
		}
		var cp models.CampaignExecution
		deepCopy(e, &cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveTeamMember(m models.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp models.TeamMember
	deepCopy(m, &cp)
	s.members[m.ID] = cp
	return nil
}

func (s *InMemoryStore) GetTeamMember(id string) (*models.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, nil
	}
	var cp models.TeamMember
	deepCopy(m, &cp)
	return &cp, nil
}

func (s *InMemoryStore) ListTeamMembers() ([]models.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TeamMember, 0, len(s.members))
	for _, m := range s.members {
		var cp models.TeamMember
		deepCopy(m, &cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ApplyWorkloadDelta(id string, hours float64) (*models.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("team member %s not found", id)
	}
	m.CurrentWorkload += hours
	if m.CurrentWorkload < 0 {
		m.CurrentWorkload = 0
	}
	m.OverAllocated = m.CurrentWorkload > m.MaxCapacity
	s.members[id] = m
	var cp models.TeamMember
	deepCopy(m, &cp)
	return &cp, nil
}

func (s *InMemoryStore) SaveSegment(seg models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp models.Segment
	deepCopy(seg, &cp)
	s.segments[seg.ID] = cp
	return nil
}

func (s *InMemoryStore) GetSegment(id string) (*models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, nil
	}
	var cp models.Segment
	deepCopy(seg, &cp)
	return &cp, nil
}

func (s *InMemoryStore) EnqueueTimer(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, tm := range s.timers {
			if tm.DedupeKey == dedupeKey && tm.Status != TimerStatusDone && tm.Status != TimerStatusCanceled {
				return tm.ID, nil
			}
		}
	}
	now := time.Now()
	tm := Timer{
		ID:          util.GenerateTimerID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      TimerStatusQueued,
		MaxAttempts: 3,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.timers[tm.ID] = tm
	return tm.ID, nil
}

func (s *InMemoryStore) ClaimDueTimers(now time.Time, limit int) ([]Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Timer
	for _, tm := range s.timers {
		if tm.Status == TimerStatusQueued && !tm.RunAt.After(now) {
			due = append(due, tm)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		tm := s.timers[due[i].ID]
		tm.Status = TimerStatusRunning
		lockedAt := now
		tm.LockedAt = &lockedAt
		tm.UpdatedAt = now
		s.timers[tm.ID] = tm
		due[i] = tm
	}
	return due, nil
}

func (s *InMemoryStore) CompleteTimer(id string) error {
	return s.updateTimer(id, func(tm *Timer) {
		tm.Status = TimerStatusDone
		tm.LockedAt = nil
	})
}

func (s *InMemoryStore) FailTimer(id string, errMsg string, nextRunAt time.Time) error {
	return s.updateTimer(id, func(tm *Timer) {
		tm.Attempt++
		tm.LastError = errMsg
		tm.LockedAt = nil
		if tm.Attempt >= tm.MaxAttempts {
			tm.Status = TimerStatusFailed
		} else {
			tm.Status = TimerStatusQueued
			tm.RunAt = nextRunAt
		}
	})
}

func (s *InMemoryStore) CancelTimer(id string) error {
	return s.updateTimer(id, func(tm *Timer) {
		tm.Status = TimerStatusCanceled
		tm.LockedAt = nil
	})
}

func (s *InMemoryStore) CancelTimersByPrefix(dedupePrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tm := range s.timers {
		if tm.DedupeKey != "" && strings.HasPrefix(tm.DedupeKey, dedupePrefix) &&
			tm.Status != TimerStatusDone && tm.Status != TimerStatusCanceled && tm.Status != TimerStatusFailed {
			tm.Status = TimerStatusCanceled
			tm.LockedAt = nil
			tm.UpdatedAt = time.Now()
			s.timers[id] = tm
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleTimers(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tm := range s.timers {
		if tm.Status == TimerStatusRunning && tm.LockedAt != nil && tm.LockedAt.Before(staleBefore) {
			tm.Status = TimerStatusQueued
			tm.LockedAt = nil
			tm.UpdatedAt = time.Now()
			s.timers[id] = tm
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetTimer(id string) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[id]
	if !ok {
		return nil, nil
	}
	cp := tm
	return &cp, nil
}

func (s *InMemoryStore) updateTimer(id string, mutate func(*Timer)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[id]
	if !ok {
		return fmt.Errorf("timer %s not found", id)
	}
	mutate(&tm)
	tm.UpdatedAt = time.Now()
	s.timers[id] = tm
	return nil
}

func (s *InMemoryStore) EnqueueNotification(refID, channel, recipient, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, cmd := range s.outbox {
			if cmd.DedupeKey == dedupeKey && cmd.Status != OutboxStatusSent && cmd.Status != OutboxStatusCanceled {
				return cmd.ID, nil
			}
		}
	}
	now := time.Now()
	cmd := NotificationCommand{
		ID:        util.GenerateOutboxID(),
		RefID:     refID,
		Channel:   channel,
		Recipient: recipient,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.outbox[cmd.ID] = cmd
	return cmd.ID, nil
}

func (s *InMemoryStore) ClaimDueNotifications(now time.Time, limit int) ([]NotificationCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []NotificationCommand
	for _, cmd := range s.outbox {
		if cmd.Status == OutboxStatusQueued && (cmd.NextAttemptAt == nil || !cmd.NextAttemptAt.After(now)) {
			due = append(due, cmd)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		cmd := s.outbox[due[i].ID]
		cmd.Status = OutboxStatusSending
		lockedAt := now
		cmd.LockedAt = &lockedAt
		cmd.UpdatedAt = now
		s.outbox[cmd.ID] = cmd
		due[i] = cmd
	}
	return due, nil
}

func (s *InMemoryStore) MarkNotificationSent(id string) error {
	return s.updateNotification(id, func(cmd *NotificationCommand) {
		cmd.Status = OutboxStatusSent
		cmd.LockedAt = nil
	})
}

func (s *InMemoryStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateNotification(id, func(cmd *NotificationCommand) {
		cmd.Attempts++
		cmd.LastError = errMsg
		cmd.LockedAt = nil
		if cmd.Attempts >= 3 {
			cmd.Status = OutboxStatusFailed
		} else {
			cmd.Status = OutboxStatusQueued
			next := nextAttemptAt
			cmd.NextAttemptAt = &next
		}
	})
}

func (s *InMemoryStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cmd := range s.outbox {
		if cmd.Status == OutboxStatusSending && cmd.LockedAt != nil && cmd.LockedAt.Before(staleBefore) {
			cmd.Status = OutboxStatusQueued
			cmd.LockedAt = nil
			cmd.UpdatedAt = time.Now()
			s.outbox[id] = cmd
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) updateNotification(id string, mutate func(*NotificationCommand)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	mutate(&cmd)
	cmd.UpdatedAt = time.Now()
	s.outbox[id] = cmd
	return nil
}

// Notifications returns a snapshot of all outbox commands, for tests and
// diagnostics.
func (s *InMemoryStore) Notifications() []NotificationCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NotificationCommand, 0, len(s.outbox))
	for _, cmd := range s.outbox {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Timers returns a snapshot of all timers, for tests and diagnostics.
func (s *InMemoryStore) Timers() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Timer, 0, len(s.timers))
	for _, tm := range s.timers {
		out = append(out, tm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
