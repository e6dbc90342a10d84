// Package store provides the OutboxRepo interface and model for restart-safe
// notification delivery. Step logic records side-effecting commands here;
// the dispatcher delivers them separately with its own retry/backoff, so a
// channel failure never aborts an execution.
package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of a notification command.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// NotificationCommand is a durable outgoing notification record.
type NotificationCommand struct {
	ID string `json:"id"`
	// RefID ties the command back to the workflow or campaign execution
	// that emitted it.
	RefID         string       `json:"ref_id"`
	Channel       string       `json:"channel"`
	Recipient     string       `json:"recipient"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable notification persistence.
type OutboxRepo interface {
	// EnqueueNotification inserts a new command. If dedupeKey is non-empty
	// and a non-terminal command with that key exists, returns the existing
	// ID.
	EnqueueNotification(refID, channel, recipient, body, dedupeKey string) (string, error)

	// ClaimDueNotifications marks up to limit queued commands whose
	// next_attempt_at <= now (or is unset) as sending and returns them.
	ClaimDueNotifications(now time.Time, limit int) ([]NotificationCommand, error)

	// MarkNotificationSent marks a command as successfully delivered.
	MarkNotificationSent(id string) error

	// FailNotification records a delivery failure and schedules a retry at
	// nextAttemptAt while attempts remain; otherwise marks it permanently
	// failed.
	FailNotification(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleNotifications resets commands stuck in sending since
	// before staleBefore back to queued (crash recovery).
	RequeueStaleNotifications(staleBefore time.Time) (int, error)
}
