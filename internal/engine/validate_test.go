package engine

import (
	"strings"
	"testing"

	"github.com/markus41/advisorflow/internal/models"
)

func linearTemplate() models.WorkflowTemplate {
	return models.WorkflowTemplate{
		ID:      "tpl_lin",
		Version: 1,
		Name:    "Linear",
		Steps: []models.Step{
			{ID: "start", Kind: models.StepKindStart},
			{ID: "work", Kind: models.StepKindTask, Config: models.StepConfig{Task: &models.TaskConfig{Title: "Work"}}},
			{ID: "end", Kind: models.StepKindEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "end"},
		},
	}
}

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.WorkflowTemplate)
		wantErr string
	}{
		{
			name:   "valid linear template",
			mutate: func(tpl *models.WorkflowTemplate) {},
		},
		{
			name: "no steps",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = nil
				tpl.Edges = nil
			},
			wantErr: "no steps",
		},
		{
			name: "duplicate step id",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = append(tpl.Steps, models.Step{ID: "work", Kind: models.StepKindTask})
			},
			wantErr: "duplicate step id",
		},
		{
			name: "missing start step",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps[0].Kind = models.StepKindTask
			},
			wantErr: "exactly one start step",
		},
		{
			name: "unknown step kind",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps[1].Kind = "widget"
			},
			wantErr: "unknown kind",
		},
		{
			name: "edge references unknown step",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Edges = append(tpl.Edges, models.Edge{Source: "work", Target: "ghost"})
			},
			wantErr: "unknown target",
		},
		{
			name: "unreachable step",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = append(tpl.Steps, models.Step{ID: "island", Kind: models.StepKindTask, Terminal: true})
			},
			wantErr: "unreachable",
		},
		{
			name: "dangling non-terminal step",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = append(tpl.Steps, models.Step{ID: "loose", Kind: models.StepKindTask})
				tpl.Edges = append(tpl.Edges, models.Edge{Source: "start", Target: "loose"})
			},
			wantErr: "no outgoing edges",
		},
		{
			name: "terminal flag allows dangling step",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = append(tpl.Steps, models.Step{ID: "loose", Kind: models.StepKindTask, Terminal: true})
				tpl.Edges = append(tpl.Edges, models.Edge{Source: "start", Target: "loose"})
			},
		},
		{
			name: "unflagged back-edge rejected",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = append(tpl.Steps, models.Step{ID: "review", Kind: models.StepKindTask})
				tpl.Edges = []models.Edge{
					{Source: "start", Target: "work"},
					{Source: "work", Target: "review"},
					{Source: "review", Target: "work"},
					{Source: "review", Target: "end"},
				}
			},
			wantErr: "not flagged as a revision edge",
		},
		{
			name: "flagged revision back-edge accepted",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps = append(tpl.Steps, models.Step{ID: "review", Kind: models.StepKindTask})
				tpl.Edges = []models.Edge{
					{Source: "start", Target: "work"},
					{Source: "work", Target: "review"},
					{Source: "review", Target: "work", Revision: true},
					{Source: "review", Target: "end"},
				}
			},
		},
		{
			name: "decision step without score variable",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps[1] = models.Step{ID: "work", Kind: models.StepKindDecision}
			},
			wantErr: "missing score variable",
		},
		{
			name: "delay step without config",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Steps[1] = models.Step{ID: "work", Kind: models.StepKindDelay}
			},
			wantErr: "missing delay config",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tpl := linearTemplate()
			tc.mutate(&tpl)
			err := ValidateTemplate(&tpl)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid template, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
