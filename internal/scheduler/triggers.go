package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markus41/advisorflow/internal/condition"
	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/segment"
)

// Starter starts workflow executions. The engine implements it.
type Starter interface {
	StartWorkflow(ctx context.Context, templateID string, version int, clientID string, variables map[string]any) (string, error)
}

// ClientDirectory enumerates the clients trigger sweeps run over.
type ClientDirectory interface {
	ListClientIDs() ([]string, error)
	ClientFields(clientID string) (map[string]any, error)
}

// binding ties one trigger declaration to its template version.
type binding struct {
	templateID string
	version    int
	trigger    models.Trigger
}

// TriggerService registers template triggers and fires executions for them.
// Scheduled triggers run on the cron scheduler; event triggers fire through
// FireEvent; deadline triggers fire from periodic SweepDeadlines calls.
type TriggerService struct {
	sched   *Scheduler
	engine  Starter
	matcher *segment.Matcher
	clients ClientDirectory
	now     func() time.Time

	mu        sync.Mutex
	events    map[string][]binding
	deadlines []binding
	// fired dedupes deadline firings per (template, client, deadline).
	fired map[string]bool
}

// Option configures a TriggerService.
type Option func(*TriggerService)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *TriggerService) { s.now = now }
}

// NewTriggerService creates a TriggerService. sched may be nil when no cron
// scheduling is needed (tests, event-only deployments); matcher and clients
// may be nil to disable segment gating and sweeps respectively.
func NewTriggerService(sched *Scheduler, engine Starter, matcher *segment.Matcher, clients ClientDirectory, opts ...Option) *TriggerService {
	s := &TriggerService{
		sched:   sched,
		engine:  engine,
		matcher: matcher,
		clients: clients,
		now:     time.Now,
		events:  make(map[string][]binding),
		fired:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTemplate wires a template's trigger declarations into the service.
// Call it once per deployed template version.
func (s *TriggerService) RegisterTemplate(tpl *models.WorkflowTemplate) error {
	for _, trg := range tpl.Triggers {
		b := binding{templateID: tpl.ID, version: tpl.Version, trigger: trg}
		switch trg.Type {
		case models.TriggerTypeSchedule:
			if s.sched == nil {
				return fmt.Errorf("TriggerService.RegisterTemplate: template %s has a scheduled trigger but no cron scheduler is wired", tpl.ID)
			}
			bound := b
			if err := s.sched.AddJob(trg.Cron, func() { s.fireForSegment(context.Background(), bound) }); err != nil {
				return fmt.Errorf("TriggerService.RegisterTemplate: template %s cron %q: %w", tpl.ID, trg.Cron, err)
			}
		case models.TriggerTypeEvent:
			if trg.Event == "" {
				return fmt.Errorf("TriggerService.RegisterTemplate: template %s has an event trigger without an event name", tpl.ID)
			}
			s.mu.Lock()
			s.events[trg.Event] = append(s.events[trg.Event], b)
			s.mu.Unlock()
		case models.TriggerTypeDeadline:
			if trg.DeadlineField == "" || trg.DeadlineWithinHours <= 0 {
				return fmt.Errorf("TriggerService.RegisterTemplate: template %s has an incomplete deadline trigger", tpl.ID)
			}
			s.mu.Lock()
			s.deadlines = append(s.deadlines, b)
			s.mu.Unlock()
		case models.TriggerTypeManual, models.TriggerTypeSegment:
			// Manual triggers start through the API; pure segment triggers
			// gate other trigger types rather than firing on their own.
		default:
			return fmt.Errorf("TriggerService.RegisterTemplate: template %s has unknown trigger type %q", tpl.ID, trg.Type)
		}
	}
	slog.Info("TriggerService.RegisterTemplate: triggers registered", "templateID", tpl.ID, "version", tpl.Version, "count", len(tpl.Triggers))
	return nil
}

// FireEvent starts executions for every event trigger bound to event, for
// the named client, subject to segment gating. Returns the started execution
// ids.
func (s *TriggerService) FireEvent(ctx context.Context, event, clientID string, variables map[string]any) ([]string, error) {
	s.mu.Lock()
	bindings := append([]binding(nil), s.events[event]...)
	s.mu.Unlock()

	var started []string
	for _, b := range bindings {
		ok, err := s.clientInSegment(b.trigger.SegmentID, clientID)
		if err != nil {
			slog.Error("TriggerService.FireEvent: segment check failed", "templateID", b.templateID, "clientID", clientID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		id, err := s.engine.StartWorkflow(ctx, b.templateID, b.version, clientID, variables)
		if err != nil {
			slog.Error("TriggerService.FireEvent: start failed", "templateID", b.templateID, "clientID", clientID, "error", err)
			continue
		}
		started = append(started, id)
		slog.Info("TriggerService.FireEvent: execution started", "event", event, "templateID", b.templateID, "executionID", id)
	}
	return started, nil
}

// SweepDeadlines scans the client directory for clients whose deadline field
// falls inside a trigger's proximity window and starts one execution per
// (template, client, deadline). Intended to run from a cron job.
func (s *TriggerService) SweepDeadlines(ctx context.Context) error {
	if s.clients == nil {
		return nil
	}
	s.mu.Lock()
	bindings := append([]binding(nil), s.deadlines...)
	s.mu.Unlock()
	if len(bindings) == 0 {
		return nil
	}

	clientIDs, err := s.clients.ListClientIDs()
	if err != nil {
		return fmt.Errorf("TriggerService.SweepDeadlines: list clients: %w", err)
	}

	now := s.now()
	for _, clientID := range clientIDs {
		fields, err := s.clients.ClientFields(clientID)
		if err != nil {
			slog.Error("TriggerService.SweepDeadlines: client lookup failed", "clientID", clientID, "error", err)
			continue
		}
		for _, b := range bindings {
			deadline, ok := deadlineAt(fields, b.trigger.DeadlineField)
			if !ok {
				continue
			}
			// Fire only inside the window: deadline still ahead, within
			// the configured proximity.
			if deadline.Before(now) || deadline.Sub(now) > hours(b.trigger.DeadlineWithinHours) {
				continue
			}
			key := fmt.Sprintf("%s:%s:%d", b.templateID, clientID, deadline.Unix())
			s.mu.Lock()
			dup := s.fired[key]
			if !dup {
				s.fired[key] = true
			}
			s.mu.Unlock()
			if dup {
				continue
			}

			ok, err := s.clientInSegment(b.trigger.SegmentID, clientID)
			if err != nil || !ok {
				continue
			}
			vars := map[string]any{"deadline": deadline.Format(time.RFC3339)}
			id, err := s.engine.StartWorkflow(ctx, b.templateID, b.version, clientID, vars)
			if err != nil {
				slog.Error("TriggerService.SweepDeadlines: start failed", "templateID", b.templateID, "clientID", clientID, "error", err)
				continue
			}
			slog.Info("TriggerService.SweepDeadlines: execution started", "templateID", b.templateID, "clientID", clientID, "executionID", id)
		}
	}
	return nil
}

// fireForSegment starts one execution per matching client for a scheduled
// trigger.
func (s *TriggerService) fireForSegment(ctx context.Context, b binding) {
	if s.clients == nil {
		slog.Warn("TriggerService.fireForSegment: no client directory wired", "templateID", b.templateID)
		return
	}
	clientIDs, err := s.clients.ListClientIDs()
	if err != nil {
		slog.Error("TriggerService.fireForSegment: list clients failed", "templateID", b.templateID, "error", err)
		return
	}
	for _, clientID := range clientIDs {
		ok, err := s.clientInSegment(b.trigger.SegmentID, clientID)
		if err != nil || !ok {
			continue
		}
		if _, err := s.engine.StartWorkflow(ctx, b.templateID, b.version, clientID, nil); err != nil {
			slog.Error("TriggerService.fireForSegment: start failed", "templateID", b.templateID, "clientID", clientID, "error", err)
		}
	}
}

func (s *TriggerService) clientInSegment(segmentID, clientID string) (bool, error) {
	if segmentID == "" || s.matcher == nil {
		return true, nil
	}
	return s.matcher.ClientMatches(segmentID, clientID)
}

// deadlineAt resolves a client date field to a time. String fields parse as
// RFC 3339 or YYYY-MM-DD.
func deadlineAt(fields map[string]any, path string) (time.Time, bool) {
	v, ok := condition.Lookup(fields, path)
	if !ok {
		return time.Time{}, false
	}
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", d); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
