package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/markus41/advisorflow/internal/util"
)

// Compile-time check that SQLiteStore implements OutboxRepo.
var _ OutboxRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueNotification(refID, channel, recipient, body, dedupeKey string) (string, error) {
	id := util.GenerateOutboxID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM notification_outbox WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueNotification: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("notification dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO notification_outbox (id, ref_id, channel, recipient, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, nilIfEmpty(refID), channel, nilIfEmpty(recipient), nilIfEmpty(body), nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue notification failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueNotification", "id", id, "refID", refID, "channel", channel)
	return id, nil
}

func (s *SQLiteStore) ClaimDueNotifications(now time.Time, limit int) ([]NotificationCommand, error) {
	rows, err := s.db.Query(
		`SELECT id, ref_id, channel, recipient, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM notification_outbox WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications failed: %w", err)
	}
	defer rows.Close()

	var cmds []NotificationCommand
	for rows.Next() {
		c, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim notifications iteration failed: %w", err)
	}

	for i := range cmds {
		_, err := s.db.Exec(
			`UPDATE notification_outbox SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, cmds[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark notification sending failed: %w", err)
		}
		cmds[i].Status = OutboxStatusSending
		cmds[i].LockedAt = &now
	}

	return cmds, nil
}

func (s *SQLiteStore) MarkNotificationSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM notification_outbox WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail notification lookup failed: %w", err)
	}

	attempts++
	if attempts >= 3 {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'failed', attempts = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'queued', attempts = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail notification update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleNotifications", "requeued", n)
	}
	return int(n), nil
}
