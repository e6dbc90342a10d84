// Package engine advances workflow executions through their template graphs.
//
// This file implements template validation. Templates are rejected at load
// time, never silently accepted.
package engine

import (
	"fmt"

	"github.com/markus41/advisorflow/internal/models"
)

// ValidateTemplate checks a template's structural integrity:
//   - exactly one start step, all step kinds known, step IDs unique
//   - every edge references known steps
//   - every step reachable from the start step
//   - every non-end step has at least one outgoing edge or is marked terminal
//   - back-edges are explicitly flagged as revision edges
//   - decision steps name a score variable
func ValidateTemplate(t *models.WorkflowTemplate) error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: no steps", t.ID)
	}

	steps := make(map[string]*models.Step, len(t.Steps))
	startCount := 0
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("template %s: step with empty id", t.ID)
		}
		if _, dup := steps[s.ID]; dup {
			return fmt.Errorf("template %s: duplicate step id %q", t.ID, s.ID)
		}
		if !models.IsValidStepKind(s.Kind) {
			return fmt.Errorf("template %s: step %q has unknown kind %q", t.ID, s.ID, s.Kind)
		}
		if s.Kind == models.StepKindStart {
			startCount++
		}
		if s.Kind == models.StepKindDecision && (s.Config.Decision == nil || s.Config.Decision.ScoreVariable == "") {
			return fmt.Errorf("template %s: decision step %q missing score variable", t.ID, s.ID)
		}
		if s.Kind == models.StepKindDelay && s.Config.Delay == nil {
			return fmt.Errorf("template %s: delay step %q missing delay config", t.ID, s.ID)
		}
		steps[s.ID] = s
	}
	if startCount != 1 {
		return fmt.Errorf("template %s: expected exactly one start step, found %d", t.ID, startCount)
	}

	for _, e := range t.Edges {
		if _, ok := steps[e.Source]; !ok {
			return fmt.Errorf("template %s: edge %s references unknown source step", t.ID, e.Key())
		}
		if _, ok := steps[e.Target]; !ok {
			return fmt.Errorf("template %s: edge %s references unknown target step", t.ID, e.Key())
		}
	}

	// Reachability from the start step over all edges.
	start := t.StartStep()
	reached := map[string]bool{start.ID: true}
	frontier := []string{start.ID}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, e := range t.OutgoingEdges(cur) {
			if !reached[e.Target] {
				reached[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
	}
	for id := range steps {
		if !reached[id] {
			return fmt.Errorf("template %s: step %q unreachable from start", t.ID, id)
		}
	}

	for _, s := range t.Steps {
		if s.Kind == models.StepKindEnd || s.Terminal {
			continue
		}
		if len(t.OutgoingEdges(s.ID)) == 0 {
			return fmt.Errorf("template %s: step %q has no outgoing edges and is not terminal", t.ID, s.ID)
		}
	}

	// An unflagged edge that closes a cycle is a validation error: revision
	// loops must be declared, never inferred.
	for _, e := range t.Edges {
		if e.Revision {
			continue
		}
		if pathExists(t, e.Target, e.Source) {
			return fmt.Errorf("template %s: edge %s closes a cycle but is not flagged as a revision edge", t.ID, e.Key())
		}
	}

	return nil
}

// pathExists reports whether target is reachable from src over non-revision
// edges.
func pathExists(t *models.WorkflowTemplate, src, target string) bool {
	if src == target {
		return true
	}
	seen := map[string]bool{src: true}
	frontier := []string{src}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, e := range t.OutgoingEdges(cur) {
			if e.Revision {
				continue
			}
			if e.Target == target {
				return true
			}
			if !seen[e.Target] {
				seen[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
	}
	return false
}
