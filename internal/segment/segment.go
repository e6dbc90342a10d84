// Package segment decides which clients a trigger or campaign targets.
package segment

import (
	"fmt"

	"github.com/markus41/advisorflow/internal/condition"
	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/store"
)

// ClientSource provides the read-only client attribute snapshot segments
// evaluate against. Implementations return (nil, nil) for unknown clients.
type ClientSource interface {
	ClientFields(clientID string) (map[string]any, error)
}

// Matches reports whether a client record satisfies a segment: every
// inclusion criterion true and no exclusion criterion true. Missing fields
// fail comparisons silently, so a sparse record simply falls outside the
// segment.
func Matches(client map[string]any, s *models.Segment) bool {
	if s == nil {
		return false
	}
	if !condition.EvaluateAll(s.Include, client) {
		return false
	}
	if condition.EvaluateAny(s.Exclude, client) {
		return false
	}
	return true
}

// Matcher resolves segment membership from stored segment definitions and a
// client attribute source.
type Matcher struct {
	segments store.SegmentStore
	clients  ClientSource
}

// NewMatcher creates a Matcher.
func NewMatcher(segments store.SegmentStore, clients ClientSource) *Matcher {
	return &Matcher{segments: segments, clients: clients}
}

// ClientMatches reports whether clientID belongs to the stored segment
// segmentID. An empty segmentID matches every client (ungated trigger).
func (m *Matcher) ClientMatches(segmentID, clientID string) (bool, error) {
	if segmentID == "" {
		return true, nil
	}
	s, err := m.segments.GetSegment(segmentID)
	if err != nil {
		return false, fmt.Errorf("Matcher.ClientMatches: load segment: %w", err)
	}
	if s == nil {
		return false, fmt.Errorf("Matcher.ClientMatches: segment %s not found", segmentID)
	}
	var fields map[string]any
	if m.clients != nil {
		fields, err = m.clients.ClientFields(clientID)
		if err != nil {
			return false, fmt.Errorf("Matcher.ClientMatches: load client %s: %w", clientID, err)
		}
	}
	return Matches(fields, s), nil
}
