// Package lock serializes mutations to a single workflow or campaign
// execution. One mutator runs per execution key at a time; parallelism is
// achieved across executions, never within one.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLocked is returned when the execution key is already held by another
// mutator. Callers retry on the next tick rather than blocking.
var ErrLocked = errors.New("execution is locked by another mutator")

type ctxKey string

// Locker runs a critical section under a per-key lock. Implementations are
// reentrant within the same call chain: a Synchronized call that already
// holds the key executes fn directly.
type Locker interface {
	// Synchronized acquires key non-blocking, runs fn, and releases. The
	// lock auto-expires after ttl as a crash guard. Returns ErrLocked if
	// the key is held elsewhere.
	Synchronized(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}
