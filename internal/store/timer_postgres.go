package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/util"
)

// Compile-time check that PostgresStore implements TimerRepo.
var _ TimerRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueTimer(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateTimerID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM timers WHERE dedupe_key = $1 AND status NOT IN ('done', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueTimer: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("timer dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO timers (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, 3, $5, $6, $7)`,
		id, kind, runAt, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue timer failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueTimer", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueTimers(now time.Time, limit int) ([]Timer, error) {
	// FOR UPDATE SKIP LOCKED lets multiple runners poll the same table
	// without claiming the same timer twice.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due timers begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at
		 FROM timers WHERE status = 'queued' AND run_at <= $1
		 ORDER BY run_at ASC LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due timers query failed: %w", err)
	}

	var timers []Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due timers iteration failed: %w", err)
	}
	rows.Close()

	for i := range timers {
		_, err := tx.Exec(
			`UPDATE timers SET status = 'running', locked_at = $1, updated_at = $2 WHERE id = $3`,
			now, now, timers[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark timer running failed: %w", err)
		}
		timers[i].Status = TimerStatusRunning
		timers[i].LockedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due timers commit failed: %w", err)
	}
	return timers, nil
}

func (s *PostgresStore) CompleteTimer(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE timers SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete timer failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailTimer(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM timers WHERE id = $1`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail timer lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE timers SET status = 'failed', attempt = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE timers SET status = 'queued', attempt = $1, last_error = $2, run_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			attempt, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail timer update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelTimer(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE timers SET status = 'canceled', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel timer failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelTimersByPrefix(dedupePrefix string) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE timers SET status = 'canceled', locked_at = NULL, updated_at = $1
		 WHERE dedupe_key LIKE $2 || '%' AND status NOT IN ('done', 'canceled', 'failed')`,
		now, dedupePrefix,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel timers by prefix failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.CancelTimersByPrefix", "prefix", dedupePrefix, "canceled", n)
	}
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleTimers(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE timers SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'running' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale timers failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleTimers", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetTimer(id string) (*Timer, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at
		 FROM timers WHERE id = $1`, id,
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
