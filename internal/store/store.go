// Package store provides durable persistence for AdvisorFlow: workflow
// templates, execution snapshots, campaign instances, the team roster,
// client segments, the due-time timer index, and the notification outbox.
//
// Three backends implement the same interfaces: an in-memory store for
// tests, SQLite for single-node deployments, and PostgreSQL for
// production.
package store

import (
	"strings"

	"github.com/markus41/advisorflow/internal/models"
)

// DetectDSNType reports which backend a DSN selects: "postgres" for
// PostgreSQL URLs and keyword DSNs, "sqlite" for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for PostgreSQL.
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// TemplateStore persists immutable, versioned workflow templates.
type TemplateStore interface {
	// SaveTemplate inserts a template version. Versions referenced by
	// running executions are never mutated; the engine enforces that a new
	// edit lands as a new version.
	SaveTemplate(t models.WorkflowTemplate) error

	// GetTemplate loads a template by (id, version). Returns (nil, nil)
	// when not found.
	GetTemplate(id string, version int) (*models.WorkflowTemplate, error)

	// LatestTemplateVersion returns the highest stored version for id, or 0
	// when the template does not exist.
	LatestTemplateVersion(id string) (int, error)
}

// ExecutionStore persists workflow execution snapshots.
type ExecutionStore interface {
	SaveExecution(e models.WorkflowExecution) error

	// GetExecution loads an execution snapshot. Returns (nil, nil) when not
	// found.
	GetExecution(id string) (*models.WorkflowExecution, error)

	// ListExecutions returns all execution snapshots. The analytics
	// aggregator consumes this read-only.
	ListExecutions() ([]models.WorkflowExecution, error)

	// CountActiveExecutions counts non-terminal executions of a template,
	// used to enforce max-concurrent-instances settings.
	CountActiveExecutions(templateID string) (int, error)
}

// CampaignStore persists campaign definitions and instances.
type CampaignStore interface {
	SaveCampaign(c models.Campaign) error
	GetCampaign(id string) (*models.Campaign, error)

	SaveCampaignExecution(e models.CampaignExecution) error
	GetCampaignExecution(id string) (*models.CampaignExecution, error)

	// LatestCampaignExecution returns the most recently created instance of
	// a campaign for a client, or (nil, nil). The cooldown check anchors on
	// its CreatedAt.
	LatestCampaignExecution(campaignID, clientID string) (*models.CampaignExecution, error)

	ListCampaignExecutions(campaignID string) ([]models.CampaignExecution, error)
}

// RosterStore provides the team roster with atomic workload accounting.
type RosterStore interface {
	SaveTeamMember(m models.TeamMember) error
	GetTeamMember(id string) (*models.TeamMember, error)
	ListTeamMembers() ([]models.TeamMember, error)

	// ApplyWorkloadDelta atomically adjusts a member's workload by hours
	// (positive on assignment, negative on release) and returns the updated
	// member. Pushing workload past max capacity records over-allocation
	// instead of rejecting.
	ApplyWorkloadDelta(id string, hours float64) (*models.TeamMember, error)
}

// SegmentStore persists client segment definitions.
type SegmentStore interface {
	SaveSegment(s models.Segment) error
	GetSegment(id string) (*models.Segment, error)
}

// Store is the full persistence surface used by the engine, the campaign
// runner, and the API server.
type Store interface {
	TemplateStore
	ExecutionStore
	CampaignStore
	RosterStore
	SegmentStore
	TimerRepo
	OutboxRepo
	Close() error
}
