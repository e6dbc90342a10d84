// Package store provides the TimerRepo interface and model for the durable
// due-time index. Step timeouts and campaign delays routinely span days, so
// they are persisted here and fired by a polling runner instead of living
// as in-memory timers that vanish on restart.
package store

import (
	"time"
)

// TimerStatus represents the lifecycle state of a durable timer.
type TimerStatus string

const (
	TimerStatusQueued   TimerStatus = "queued"
	TimerStatusRunning  TimerStatus = "running"
	TimerStatusDone     TimerStatus = "done"
	TimerStatusFailed   TimerStatus = "failed"
	TimerStatusCanceled TimerStatus = "canceled"
)

// Timer is one persisted due-time entry.
type Timer struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	RunAt       time.Time   `json:"run_at"`
	PayloadJSON string      `json:"payload_json"`
	Status      TimerStatus `json:"status"`
	Attempt     int         `json:"attempt"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error"`
	LockedAt    *time.Time  `json:"locked_at"`
	DedupeKey   string      `json:"dedupe_key"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TimerRepo defines the interface for durable timer persistence.
type TimerRepo interface {
	// EnqueueTimer inserts a new timer. If dedupeKey is non-empty and a
	// non-terminal timer with that key already exists, the call returns the
	// existing timer ID without inserting a duplicate.
	EnqueueTimer(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueTimers marks up to limit queued timers whose run_at <= now as
	// running and returns them.
	ClaimDueTimers(now time.Time, limit int) ([]Timer, error)

	// CompleteTimer marks a timer as done.
	CompleteTimer(id string) error

	// FailTimer records a handler failure and reschedules the timer at
	// nextRunAt while attempts remain; otherwise marks it permanently
	// failed.
	FailTimer(id string, errMsg string, nextRunAt time.Time) error

	// CancelTimer marks a timer as canceled.
	CancelTimer(id string) error

	// CancelTimersByPrefix cancels every non-terminal timer whose dedupe
	// key starts with dedupePrefix. Execution cancellation uses this to
	// drop all of an execution's pending timers at once.
	CancelTimersByPrefix(dedupePrefix string) (int, error)

	// RequeueStaleTimers resets timers that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleTimers(staleBefore time.Time) (int, error)

	// GetTimer retrieves a single timer by ID. Returns (nil, nil) when not
	// found.
	GetTimer(id string) (*Timer, error)
}
