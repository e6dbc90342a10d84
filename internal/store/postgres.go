// Package store provides storage backends for AdvisorFlow.
//
// This file implements the PostgreSQL-backed store for templates,
// executions, campaigns, the roster, and segments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/markus41/advisorflow/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveTemplate(t models.WorkflowTemplate) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template %s: %w", t.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO workflow_templates (id, version, name, definition_json, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id, version) DO UPDATE SET name = EXCLUDED.name, definition_json = EXCLUDED.definition_json`,
		t.ID, t.Version, t.Name, string(def), t.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveTemplate failed", "error", err, "id", t.ID, "version", t.Version)
		return fmt.Errorf("failed to save template %s v%d: %w", t.ID, t.Version, err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(id string, version int) (*models.WorkflowTemplate, error) {
	var def string
	err := s.db.QueryRow(
		`SELECT definition_json FROM workflow_templates WHERE id = $1 AND version = $2`,
		id, version,
	).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s v%d: %w", id, version, err)
	}
	var t models.WorkflowTemplate
	if err := json.Unmarshal([]byte(def), &t); err != nil {
		return nil, fmt.Errorf("failed to decode template %s v%d: %w", id, version, err)
	}
	return &t, nil
}

func (s *PostgresStore) LatestTemplateVersion(id string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(version) FROM workflow_templates WHERE id = $1`, id,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version for %s: %w", id, err)
	}
	return int(version.Int64), nil
}

func (s *PostgresStore) SaveExecution(e models.WorkflowExecution) error {
	snap, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO workflow_executions (id, template_id, template_version, client_id, status, snapshot_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, snapshot_json = EXCLUDED.snapshot_json, updated_at = EXCLUDED.updated_at`,
		e.ID, e.TemplateID, e.TemplateVersion, e.ClientID, e.Status, string(snap), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveExecution failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(id string) (*models.WorkflowExecution, error) {
	var snap string
	err := s.db.QueryRow(
		`SELECT snapshot_json FROM workflow_executions WHERE id = $1`, id,
	).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	var e models.WorkflowExecution
	if err := json.Unmarshal([]byte(snap), &e); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) ListExecutions() ([]models.WorkflowExecution, error) {
	rows, err := s.db.Query(`SELECT snapshot_json FROM workflow_executions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowExecution
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		var e models.WorkflowExecution
		if err := json.Unmarshal([]byte(snap), &e); err != nil {
			return nil, fmt.Errorf("failed to decode execution row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountActiveExecutions(templateID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM workflow_executions
		 WHERE template_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		templateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions for %s: %w", templateID, err)
	}
	return n, nil
}

func (s *PostgresStore) SaveCampaign(c models.Campaign) error {
	def, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal campaign %s: %w", c.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO campaigns (id, name, definition_json, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, definition_json = EXCLUDED.definition_json`,
		c.ID, c.Name, string(def), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition_json FROM campaigns WHERE id = $1`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	var c models.Campaign
	if err := json.Unmarshal([]byte(def), &c); err != nil {
		return nil, fmt.Errorf("failed to decode campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveCampaignExecution(e models.CampaignExecution) error {
	snap, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal campaign execution %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO campaign_executions (id, campaign_id, client_id, status, snapshot_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, snapshot_json = EXCLUDED.snapshot_json, updated_at = EXCLUDED.updated_at`,
		e.ID, e.CampaignID, e.ClientID, e.Status, string(snap), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCampaignExecution(id string) (*models.CampaignExecution, error) {
	var snap string
	err := s.db.QueryRow(`SELECT snapshot_json FROM campaign_executions WHERE id = $1`, id).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign execution %s: %w", id, err)
	}
	var e models.CampaignExecution
	if err := json.Unmarshal([]byte(snap), &e); err != nil {
		return nil, fmt.Errorf("failed to decode campaign execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) LatestCampaignExecution(campaignID, clientID string) (*models.CampaignExecution, error) {
	var snap string
	err := s.db.QueryRow(
		`SELECT snapshot_json FROM campaign_executions
		 WHERE campaign_id = $1 AND client_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		campaignID, clientID,
	).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest campaign execution: %w", err)
	}
	var e models.CampaignExecution
	if err := json.Unmarshal([]byte(snap), &e); err != nil {
		return nil, fmt.Errorf("failed to decode campaign execution: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListCampaignExecutions(campaignID string) ([]models.CampaignExecution, error) {
	query := `SELECT snapshot_json FROM campaign_executions ORDER BY created_at ASC`
	args := []any{}
	if campaignID != "" {
		query = `SELECT snapshot_json FROM campaign_executions WHERE campaign_id = $1 ORDER BY created_at ASC`
		args = append(args, campaignID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign executions: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignExecution
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("failed to scan campaign execution row: %w", err)
		}
		var e models.CampaignExecution
		if err := json.Unmarshal([]byte(snap), &e); err != nil {
			return nil, fmt.Errorf("failed to decode campaign execution row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate campaign execution rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveTeamMember(m models.TeamMember) error {
	skills, err := json.Marshal(m.Skills)
	if err != nil {
		return fmt.Errorf("marshal skills for %s: %w", m.ID, err)
	}
	specs, err := json.Marshal(m.Specializations)
	if err != nil {
		return fmt.Errorf("marshal specializations for %s: %w", m.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO team_members (id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, role = EXCLUDED.role,
		   skills_json = EXCLUDED.skills_json, specializations_json = EXCLUDED.specializations_json,
		   current_workload = EXCLUDED.current_workload, max_capacity = EXCLUDED.max_capacity,
		   efficiency = EXCLUDED.efficiency, hourly_rate = EXCLUDED.hourly_rate,
		   over_allocated = EXCLUDED.over_allocated`,
		m.ID, m.Name, m.Role, string(skills), string(specs),
		m.CurrentWorkload, m.MaxCapacity, m.Efficiency, m.HourlyRate, m.OverAllocated,
	)
	if err != nil {
		return fmt.Errorf("failed to save team member %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTeamMember(id string) (*models.TeamMember, error) {
	row := s.db.QueryRow(
		`SELECT id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated
		 FROM team_members WHERE id = $1`, id,
	)
	m, err := scanTeamMemberRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team member %s: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) ListTeamMembers() ([]models.TeamMember, error) {
	rows, err := s.db.Query(
		`SELECT id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated
		 FROM team_members ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query team members: %w", err)
	}
	defer rows.Close()

	var out []models.TeamMember
	for rows.Next() {
		m, err := scanTeamMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate team member rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ApplyWorkloadDelta(id string, hours float64) (*models.TeamMember, error) {
	row := s.db.QueryRow(
		`UPDATE team_members
		 SET current_workload = GREATEST(0, current_workload + $1),
		     over_allocated = GREATEST(0, current_workload + $1) > max_capacity
		 WHERE id = $2
		 RETURNING id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated`,
		hours, id,
	)
	m, err := scanTeamMemberRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("team member %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("workload delta failed for %s: %w", id, err)
	}
	slog.Debug("PostgresStore.ApplyWorkloadDelta", "id", id, "hours", hours, "workload", m.CurrentWorkload, "overAllocated", m.OverAllocated)
	return &m, nil
}

func (s *PostgresStore) SaveSegment(seg models.Segment) error {
	def, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("marshal segment %s: %w", seg.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO segments (id, name, definition_json, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, definition_json = EXCLUDED.definition_json`,
		seg.ID, seg.Name, string(def), seg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save segment %s: %w", seg.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSegment(id string) (*models.Segment, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition_json FROM segments WHERE id = $1`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment %s: %w", id, err)
	}
	var seg models.Segment
	if err := json.Unmarshal([]byte(def), &seg); err != nil {
		return nil, fmt.Errorf("failed to decode segment %s: %w", id, err)
	}
	return &seg, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
