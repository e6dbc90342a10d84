// Package store provides the TimerRunner that fires due timers.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimerHandler executes one due timer. It receives the timer's payload JSON
// and returns an error if handling failed. Handlers must be idempotent: a
// timer can fire after the state it refers to has already moved on.
type TimerHandler func(ctx context.Context, payload string) error

// TimerRunner periodically claims due timers from the store and dispatches
// them to registered handlers. Together with TimerRepo it is the
// restart-safe replacement for process-local timers.
type TimerRunner struct {
	repo           TimerRepo
	handlers       map[string]TimerHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewTimerRunner creates a new TimerRunner.
func NewTimerRunner(repo TimerRepo, pollInterval time.Duration) *TimerRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &TimerRunner{
		repo:           repo,
		handlers:       make(map[string]TimerHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     20,
	}
}

// RegisterHandler registers a handler for a timer kind.
func (r *TimerRunner) RegisterHandler(kind string, handler TimerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("TimerRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleTimers requeues timers that were mid-flight when the process
// crashed. Should be called once at startup.
func (r *TimerRunner) RecoverStaleTimers() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleTimers(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("TimerRunner.RecoverStaleTimers: requeued stale timers", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *TimerRunner) Run(ctx context.Context) {
	slog.Info("TimerRunner.Run: starting timer runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("TimerRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx, time.Now())
		}
	}
}

// Poll claims and dispatches timers due at now. Exposed so tests and
// ad hoc maintenance commands can drive the runner without the loop.
func (r *TimerRunner) Poll(ctx context.Context, now time.Time) {
	timers, err := r.repo.ClaimDueTimers(now, r.claimLimit)
	if err != nil {
		slog.Error("TimerRunner.Poll: claim failed", "error", err)
		return
	}

	for _, tm := range timers {
		r.mu.RLock()
		handler, ok := r.handlers[tm.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("TimerRunner.Poll: no handler for timer kind", "kind", tm.Kind, "id", tm.ID)
			if err := r.repo.FailTimer(tm.ID, "no handler registered for kind: "+tm.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("TimerRunner.Poll: fail timer error", "id", tm.ID, "error", err)
			}
			continue
		}

		slog.Debug("TimerRunner.Poll: firing timer", "id", tm.ID, "kind", tm.Kind, "attempt", tm.Attempt)
		if err := handler(ctx, tm.PayloadJSON); err != nil {
			slog.Error("TimerRunner.Poll: handler failed", "id", tm.ID, "kind", tm.Kind, "error", err)
			// Exponential backoff: 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<tm.Attempt)) * time.Second
			if err := r.repo.FailTimer(tm.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("TimerRunner.Poll: fail timer error", "id", tm.ID, "error", err)
			}
		} else {
			if err := r.repo.CompleteTimer(tm.ID); err != nil {
				slog.Error("TimerRunner.Poll: complete timer error", "id", tm.ID, "error", err)
			}
			slog.Debug("TimerRunner.Poll: timer handled", "id", tm.ID, "kind", tm.Kind)
		}
	}
}
