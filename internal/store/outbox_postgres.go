package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/util"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueNotification(refID, channel, recipient, body, dedupeKey string) (string, error) {
	id := util.GenerateOutboxID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM notification_outbox WHERE dedupe_key = $1 AND status NOT IN ('sent', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueNotification: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("notification dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO notification_outbox (id, ref_id, channel, recipient, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8)`,
		id, nilIfEmpty(refID), channel, nilIfEmpty(recipient), nilIfEmpty(body), nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue notification failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueNotification", "id", id, "refID", refID, "channel", channel)
	return id, nil
}

func (s *PostgresStore) ClaimDueNotifications(now time.Time, limit int) ([]NotificationCommand, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due notifications begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, ref_id, channel, recipient, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM notification_outbox WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		 ORDER BY created_at ASC LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications failed: %w", err)
	}

	var cmds []NotificationCommand
	for rows.Next() {
		c, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim notifications iteration failed: %w", err)
	}
	rows.Close()

	for i := range cmds {
		_, err := tx.Exec(
			`UPDATE notification_outbox SET status = 'sending', locked_at = $1, updated_at = $2 WHERE id = $3`,
			now, now, cmds[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark notification sending failed: %w", err)
		}
		cmds[i].Status = OutboxStatusSending
		cmds[i].LockedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due notifications commit failed: %w", err)
	}
	return cmds, nil
}

func (s *PostgresStore) MarkNotificationSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM notification_outbox WHERE id = $1`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail notification lookup failed: %w", err)
	}

	attempts++
	if attempts >= 3 {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'failed', attempts = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'queued', attempts = $1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail notification update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleNotifications", "requeued", n)
	}
	return int(n), nil
}
