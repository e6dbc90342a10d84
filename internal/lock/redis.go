package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still holds it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// RedisLocker implements Locker on Redis SET NX with expiry, for multi-node
// deployments where executions may be ticked from any node.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. Keys are namespaced with
// prefix to keep lock keys apart from application data.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "advisorflow:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

var _ Locker = (*RedisLocker)(nil)

// Synchronized acquires key non-blocking on Redis and runs fn under it.
func (l *RedisLocker) Synchronized(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if _, held := ctx.Value(ctxKey(key)).(string); held {
		return fn(ctx)
	}

	token := newToken()
	redisKey := l.prefix + key

	acquired, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis lock acquire for %s: %w", key, err)
	}
	if !acquired {
		slog.Debug("RedisLocker.Synchronized: key held", "key", key)
		return ErrLocked
	}

	defer l.release(redisKey, token)
	return fn(context.WithValue(ctx, ctxKey(key), token))
}

func (l *RedisLocker) release(redisKey, token string) {
	// The caller's context may already be cancelled; release must still run.
	reply, err := l.client.Eval(context.Background(), releaseScript, []string{redisKey}, token).Result()
	if err != nil {
		slog.Error("RedisLocker.release: eval failed", "key", redisKey, "error", err)
		return
	}
	if n, ok := reply.(int64); !ok || n != 1 {
		slog.Warn("RedisLocker.release: lock no longer held", "key", redisKey)
	}
}
