package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/markus41/advisorflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTimer scans a Timer from sql.Rows.
func scanTimer(rows *sql.Rows) (Timer, error) {
	t, err := scanTimerFrom(rows)
	if err != nil {
		return t, fmt.Errorf("scan timer failed: %w", err)
	}
	return t, nil
}

// scanTimerRow scans a Timer from a single sql.Row. Passes sql.ErrNoRows
// through so callers can map it to (nil, nil).
func scanTimerRow(row *sql.Row) (Timer, error) {
	return scanTimerFrom(row)
}

func scanTimerFrom(sc rowScanner) (Timer, error) {
	var t Timer
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := sc.Scan(
		&t.ID, &t.Kind, &t.RunAt, &payloadJSON, &t.Status, &t.Attempt, &t.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.PayloadJSON = payloadJSON.String
	t.LastError = lastError.String
	t.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	return t, nil
}

// scanNotification scans a NotificationCommand from sql.Rows.
func scanNotification(rows *sql.Rows) (NotificationCommand, error) {
	var c NotificationCommand
	var refID, recipient, body, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&c.ID, &refID, &c.Channel, &recipient, &body, &c.Status, &c.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan notification failed: %w", err)
	}
	c.RefID = refID.String
	c.Recipient = recipient.String
	c.Body = body.String
	c.DedupeKey = dedupeKey.String
	c.LastError = lastError.String
	if nextAttemptAt.Valid {
		c.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		c.LockedAt = &lockedAt.Time
	}
	return c, nil
}

// scanTeamMember scans a TeamMember from sql.Rows.
func scanTeamMember(rows *sql.Rows) (models.TeamMember, error) {
	m, err := scanTeamMemberFrom(rows)
	if err != nil {
		return m, fmt.Errorf("scan team member failed: %w", err)
	}
	return m, nil
}

// scanTeamMemberRow scans a TeamMember from a single sql.Row. Passes
// sql.ErrNoRows through so callers can map it to (nil, nil).
func scanTeamMemberRow(row *sql.Row) (models.TeamMember, error) {
	return scanTeamMemberFrom(row)
}

func scanTeamMemberFrom(sc rowScanner) (models.TeamMember, error) {
	var m models.TeamMember
	var skills, specs sql.NullString
	err := sc.Scan(
		&m.ID, &m.Name, &m.Role, &skills, &specs,
		&m.CurrentWorkload, &m.MaxCapacity, &m.Efficiency, &m.HourlyRate, &m.OverAllocated,
	)
	if err != nil {
		return m, err
	}
	if skills.Valid && skills.String != "" {
		if err := json.Unmarshal([]byte(skills.String), &m.Skills); err != nil {
			return m, fmt.Errorf("decode skills for %s: %w", m.ID, err)
		}
	}
	if specs.Valid && specs.String != "" {
		if err := json.Unmarshal([]byte(specs.String), &m.Specializations); err != nil {
			return m, fmt.Errorf("decode specializations for %s: %w", m.ID, err)
		}
	}
	return m, nil
}
