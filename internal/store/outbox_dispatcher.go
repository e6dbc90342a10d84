// Package store provides the OutboxDispatcher that delivers notification
// commands.
package store

import (
	"context"
	"log/slog"
	"time"
)

// SendFunc performs the actual delivery of one notification command.
type SendFunc func(ctx context.Context, cmd NotificationCommand) error

// OutboxDispatcher periodically claims due notification commands and
// attempts delivery. Failures are retried with exponential backoff up to
// the per-command attempt limit; they are logged, never propagated into the
// executions that emitted them.
type OutboxDispatcher struct {
	repo           OutboxRepo
	sendFunc       SendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxDispatcher creates a new OutboxDispatcher.
func NewOutboxDispatcher(repo OutboxRepo, sendFunc SendFunc, pollInterval time.Duration) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxDispatcher{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     20,
	}
}

// RecoverStaleNotifications requeues commands stuck in sending state.
// Should be called once at startup.
func (d *OutboxDispatcher) RecoverStaleNotifications() error {
	staleBefore := time.Now().Add(-d.staleThreshold)
	n, err := d.repo.RequeueStaleNotifications(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxDispatcher.RecoverStaleNotifications: requeued stale commands", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	slog.Info("OutboxDispatcher.Run: starting dispatcher", "pollInterval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxDispatcher.Run: stopping")
			return
		case <-ticker.C:
			d.Poll(ctx, time.Now())
		}
	}
}

// Poll claims and delivers commands due at now. Exposed for tests.
func (d *OutboxDispatcher) Poll(ctx context.Context, now time.Time) {
	cmds, err := d.repo.ClaimDueNotifications(now, d.claimLimit)
	if err != nil {
		slog.Error("OutboxDispatcher.Poll: claim failed", "error", err)
		return
	}

	for _, cmd := range cmds {
		slog.Debug("OutboxDispatcher.Poll: delivering", "id", cmd.ID, "refID", cmd.RefID, "channel", cmd.Channel)
		if err := d.sendFunc(ctx, cmd); err != nil {
			slog.Error("OutboxDispatcher.Poll: delivery failed", "id", cmd.ID, "channel", cmd.Channel, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<cmd.Attempts)) * time.Second
			if err := d.repo.FailNotification(cmd.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxDispatcher.Poll: fail command error", "id", cmd.ID, "error", err)
			}
		} else {
			if err := d.repo.MarkNotificationSent(cmd.ID); err != nil {
				slog.Error("OutboxDispatcher.Poll: mark sent error", "id", cmd.ID, "error", err)
			}
			slog.Debug("OutboxDispatcher.Poll: delivered", "id", cmd.ID, "refID", cmd.RefID)
		}
	}
}
