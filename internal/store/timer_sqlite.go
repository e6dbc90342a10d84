package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/util"
)

// Compile-time check that SQLiteStore implements TimerRepo.
var _ TimerRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueTimer(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateTimerID()
	now := time.Now()

	if dedupeKey != "" {
		// Check for existing non-terminal timer with same dedupe key
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM timers WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueTimer: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("timer dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO timers (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, 3, ?, ?, ?)`,
		id, kind, runAt, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue timer failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueTimer", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueTimers(now time.Time, limit int) ([]Timer, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at
		 FROM timers WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due timers query failed: %w", err)
	}
	defer rows.Close()

	var timers []Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due timers iteration failed: %w", err)
	}

	// Mark claimed timers as running
	for i := range timers {
		_, err := s.db.Exec(
			`UPDATE timers SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, timers[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark timer running failed: %w", err)
		}
		timers[i].Status = TimerStatusRunning
		timers[i].LockedAt = &now
	}

	return timers, nil
}

func (s *SQLiteStore) CompleteTimer(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE timers SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete timer failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailTimer(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM timers WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail timer lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE timers SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE timers SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail timer update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelTimer(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE timers SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel timer failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelTimersByPrefix(dedupePrefix string) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE timers SET status = 'canceled', locked_at = NULL, updated_at = ?
		 WHERE dedupe_key LIKE ? || '%' AND status NOT IN ('done', 'canceled', 'failed')`,
		now, dedupePrefix,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel timers by prefix failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.CancelTimersByPrefix", "prefix", dedupePrefix, "canceled", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleTimers(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE timers SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale timers failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleTimers", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetTimer(id string) (*Timer, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at
		 FROM timers WHERE id = ?`, id,
	)
	t, err := scanTimerRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timer failed: %w", err)
	}
	return &t, nil
}
