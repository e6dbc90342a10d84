// Package analytics aggregates read-only reports over execution history:
// step timing, bottleneck ranking, throughput, escalation rates, and
// campaign conversion rates. It never mutates store state.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

// Store is the read surface the aggregator needs.
type Store interface {
	ListExecutions() ([]models.WorkflowExecution, error)
	ListCampaignExecutions(campaignID string) ([]models.CampaignExecution, error)
}

// StepStats summarizes timing for one step id across executions.
type StepStats struct {
	StepID        string        `json:"step_id"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	TotalDuration time.Duration `json:"-"`
}

// WorkflowReport is the aggregate view over one template's executions.
type WorkflowReport struct {
	TemplateID     string        `json:"template_id"`
	Total          int           `json:"total"`
	Running        int           `json:"running"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	Cancelled      int           `json:"cancelled"`
	Blocked        int           `json:"blocked"`
	Escalations    int           `json:"escalations"`
	EscalationRate float64       `json:"escalation_rate"`
	AvgCompletion  time.Duration `json:"avg_completion"`
	Steps          []StepStats   `json:"steps"`
	// Bottlenecks ranks step ids by average duration, slowest first.
	Bottlenecks []string `json:"bottlenecks"`
}

// CampaignReport is the aggregate view over one campaign's instances.
type CampaignReport struct {
	CampaignID      string  `json:"campaign_id"`
	Total           int     `json:"total"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	Exited          int     `json:"exited"`
	Converted       int     `json:"converted"`
	ConversionRate  float64 `json:"conversion_rate"`
	ConversionValue float64 `json:"conversion_value"`
	ResponseRate    float64 `json:"response_rate"`
}

// Aggregator computes reports from stored snapshots.
type Aggregator struct {
	store Store
}

var _ Store = (store.Store)(nil)

// NewAggregator creates an Aggregator.
func NewAggregator(st Store) *Aggregator {
	return &Aggregator{store: st}
}

// WorkflowReport aggregates all executions of templateID. An empty
// templateID aggregates every execution under one report.
func (a *Aggregator) WorkflowReport(templateID string) (*WorkflowReport, error) {
	execs, err := a.store.ListExecutions()
	if err != nil {
		return nil, fmt.Errorf("Aggregator.WorkflowReport: %w", err)
	}

	rep := &WorkflowReport{TemplateID: templateID}
	steps := make(map[string]*StepStats)
	var completionTotal time.Duration

	for _, exec := range execs {
		if templateID != "" && exec.TemplateID != templateID {
			continue
		}
		rep.Total++
		switch exec.Status {
		case models.ExecutionStatusRunning, models.ExecutionStatusPaused, models.ExecutionStatusQueued:
			rep.Running++
		case models.ExecutionStatusCompleted:
			rep.Completed++
			if exec.CompletedAt != nil {
				completionTotal += exec.CompletedAt.Sub(exec.CreatedAt)
			}
		case models.ExecutionStatusFailed:
			rep.Failed++
		case models.ExecutionStatusCancelled:
			rep.Cancelled++
		}
		if len(exec.BlockedBranches()) > 0 {
			rep.Blocked++
		}
		rep.Escalations += exec.EscalationLevel

		for _, rec := range exec.History {
			st := steps[rec.StepID]
			if st == nil {
				st = &StepStats{StepID: rec.StepID}
				steps[rec.StepID] = st
			}
			switch rec.Outcome {
			case models.OutcomeCompleted:
				st.Completed++
				if rec.ExitedAt != nil {
					d := rec.ExitedAt.Sub(rec.EnteredAt)
					st.TotalDuration += d
					if d > st.MaxDuration {
						st.MaxDuration = d
					}
				}
			case models.OutcomeFailed, models.OutcomeTimeout:
				st.Failed++
			case models.OutcomeSkipped:
				st.Skipped++
			}
		}
	}

	if rep.Completed > 0 {
		rep.AvgCompletion = completionTotal / time.Duration(rep.Completed)
	}
	if rep.Total > 0 {
		rep.EscalationRate = float64(rep.Escalations) / float64(rep.Total)
	}

	for _, st := range steps {
		if st.Completed > 0 {
			st.AvgDuration = st.TotalDuration / time.Duration(st.Completed)
		}
		rep.Steps = append(rep.Steps, *st)
	}
	sort.Slice(rep.Steps, func(i, j int) bool { return rep.Steps[i].StepID < rep.Steps[j].StepID })

	ranked := make([]StepStats, len(rep.Steps))
	copy(ranked, rep.Steps)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].AvgDuration > ranked[j].AvgDuration })
	for _, st := range ranked {
		if st.AvgDuration > 0 {
			rep.Bottlenecks = append(rep.Bottlenecks, st.StepID)
		}
	}

	return rep, nil
}

// CampaignReport aggregates all instances of campaignID.
func (a *Aggregator) CampaignReport(campaignID string) (*CampaignReport, error) {
	instances, err := a.store.ListCampaignExecutions(campaignID)
	if err != nil {
		return nil, fmt.Errorf("Aggregator.CampaignReport: %w", err)
	}

	rep := &CampaignReport{CampaignID: campaignID}
	responded := 0
	for _, cx := range instances {
		rep.Total++
		switch cx.Status {
		case models.CampaignStatusActive:
			rep.Active++
		case models.CampaignStatusCompleted:
			rep.Completed++
		case models.CampaignStatusExited, models.CampaignStatusCancelled:
			rep.Exited++
		case models.CampaignStatusConverted:
		}
		if cx.Converted {
			rep.Converted++
			rep.ConversionValue += cx.ConversionValue
		}
		if len(cx.Responses) > 0 {
			responded++
		}
	}
	if rep.Total > 0 {
		rep.ConversionRate = float64(rep.Converted) / float64(rep.Total)
		rep.ResponseRate = float64(responded) / float64(rep.Total)
	}
	return rep, nil
}
