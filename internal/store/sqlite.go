// Package store provides storage backends for AdvisorFlow.
//
// This file implements the SQLite-backed store for templates, executions,
// campaigns, the roster, and segments. Aggregate models are persisted as
// JSON snapshots with the columns the store queries on lifted out.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/markus41/advisorflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTemplate(t models.WorkflowTemplate) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template %s: %w", t.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO workflow_templates (id, version, name, definition_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Version, t.Name, string(def), t.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveTemplate failed", "error", err, "id", t.ID, "version", t.Version)
		return fmt.Errorf("failed to save template %s v%d: %w", t.ID, t.Version, err)
	}
	slog.Debug("SQLiteStore.SaveTemplate succeeded", "id", t.ID, "version", t.Version)
	return nil
}

func (s *SQLiteStore) GetTemplate(id string, version int) (*models.WorkflowTemplate, error) {
	var def string
	err := s.db.QueryRow(
		`SELECT definition_json FROM workflow_templates WHERE id = ? AND version = ?`,
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

func (s *SQLiteStore) LatestTemplateVersion(id string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(version) FROM workflow_templates WHERE id = ?`, id,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version for %s: %w", id, err)
	}
	return int(version.Int64), nil
}

func (s *SQLiteStore) SaveExecution(e models.WorkflowExecution) error {
	snap, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO workflow_executions (id, template_id, template_version, client_id, status, snapshot_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TemplateID, e.TemplateVersion, e.ClientID, e.Status, string(snap), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveExecution failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to save execution %s: %w", e.ID, err)
	}
	slog.Debug("SQLiteStore.SaveExecution succeeded", "id", e.ID, "status", e.Status)
	return nil
}

func (s *SQLiteStore) GetExecution(id string) (*models.WorkflowExecution, error) {
	var snap string
	err := s.db.QueryRow(
		`SELECT snapshot_json FROM workflow_executions WHERE id = ?`, id,
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

func (s *SQLiteStore) ListExecutions() ([]models.WorkflowExecution, error) {
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

func (s *SQLiteStore) CountActiveExecutions(templateID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM workflow_executions
		 WHERE template_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		templateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions for %s: %w", templateID, err)
	}
	return n, nil
}

func (s *SQLiteStore) SaveCampaign(c models.Campaign) error {
	def, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal campaign %s: %w", c.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO campaigns (id, name, definition_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, string(def), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition_json FROM campaigns WHERE id = ?`, id).Scan(&def)
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

func (s *SQLiteStore) SaveCampaignExecution(e models.CampaignExecution) error {
	snap, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal campaign execution %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO campaign_executions (id, campaign_id, client_id, status, snapshot_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CampaignID, e.ClientID, e.Status, string(snap), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCampaignExecution(id string) (*models.CampaignExecution, error) {
	var snap string
	err := s.db.QueryRow(`SELECT snapshot_json FROM campaign_executions WHERE id = ?`, id).Scan(&snap)
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

func (s *SQLiteStore) LatestCampaignExecution(campaignID, clientID string) (*models.CampaignExecution, error) {
	var snap string
	err := s.db.QueryRow(
		`SELECT snapshot_json FROM campaign_executions
		 WHERE campaign_id = ? AND client_id = ?
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

func (s *SQLiteStore) ListCampaignExecutions(campaignID string) ([]models.CampaignExecution, error) {
	query := `SELECT snapshot_json FROM campaign_executions ORDER BY created_at ASC`
	args := []any{}
	if campaignID != "" {
		query = `SELECT snapshot_json FROM campaign_executions WHERE campaign_id = ? ORDER BY created_at ASC`
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

func (s *SQLiteStore) SaveTeamMember(m models.TeamMember) error {
	skills, err := json.Marshal(m.Skills)
	if err != nil {
		return fmt.Errorf("marshal skills for %s: %w", m.ID, err)
	}
	specs, err := json.Marshal(m.Specializations)
	if err != nil {
		return fmt.Errorf("marshal specializations for %s: %w", m.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO team_members (id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Role, string(skills), string(specs),
		m.CurrentWorkload, m.MaxCapacity, m.Efficiency, m.HourlyRate, m.OverAllocated,
	)
	if err != nil {
		return fmt.Errorf("failed to save team member %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTeamMember(id string) (*models.TeamMember, error) {
	row := s.db.QueryRow(
		`SELECT id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated
		 FROM team_members WHERE id = ?`, id,
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

func (s *SQLiteStore) ListTeamMembers() ([]models.TeamMember, error) {
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

func (s *SQLiteStore) ApplyWorkloadDelta(id string, hours float64) (*models.TeamMember, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("workload delta begin failed: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE team_members
		 SET current_workload = MAX(0, current_workload + ?),
		     over_allocated = MAX(0, current_workload + ?) > max_capacity
		 WHERE id = ?`,
		hours, hours, id,
	)
	if err != nil {
		return nil, fmt.Errorf("workload delta update failed for %s: %w", id, err)
	}

	row := tx.QueryRow(
		`SELECT id, name, role, skills_json, specializations_json, current_workload, max_capacity, efficiency, hourly_rate, over_allocated
		 FROM team_members WHERE id = ?`, id,
	)
	m, err := scanTeamMemberRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("team member %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("workload delta readback failed for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("workload delta commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.ApplyWorkloadDelta", "id", id, "hours", hours, "workload", m.CurrentWorkload, "overAllocated", m.OverAllocated)
	return &m, nil
}

func (s *SQLiteStore) SaveSegment(seg models.Segment) error {
	def, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("marshal segment %s: %w", seg.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO segments (id, name, definition_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		seg.ID, seg.Name, string(def), seg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save segment %s: %w", seg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSegment(id string) (*models.Segment, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition_json FROM segments WHERE id = ?`, id).Scan(&def)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
