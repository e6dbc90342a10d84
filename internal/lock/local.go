package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// LocalLocker implements Locker with in-process state. Suitable for a
// single-node deployment and for tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	token string
	timer *time.Timer
}

// NewLocalLocker creates a new in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

var _ Locker = (*LocalLocker)(nil)

// Synchronized acquires key non-blocking and runs fn under it.
func (l *LocalLocker) Synchronized(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if _, held := ctx.Value(ctxKey(key)).(string); held {
		// Reentrant call within the same chain.
		return fn(ctx)
	}

	token := newToken()

	l.mu.Lock()
	if _, held := l.locks[key]; held {
		l.mu.Unlock()
		slog.Debug("LocalLocker.Synchronized: key held", "key", key)
		return ErrLocked
	}
	entry := &localEntry{token: token}
	entry.timer = time.AfterFunc(ttl, func() {
		l.release(key, token)
	})
	l.locks[key] = entry
	l.mu.Unlock()

	defer l.release(key, token)
	return fn(context.WithValue(ctx, ctxKey(key), token))
}

// release frees key if it is still held under token. The TTL expiry timer
// and the deferred release both call it; whichever loses the token check is
// a no-op, so a lock is never released twice.
func (l *LocalLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[key]
	if !ok || entry.token != token {
		// Already released, or expired and re-acquired by someone else.
		return
	}
	entry.timer.Stop()
	delete(l.locks, key)
}

func newToken() string {
	return fmt.Sprintf("%d_%d", rand.Int64(), time.Now().UnixNano())
}
