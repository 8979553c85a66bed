// Package lock provides a Redis-backed lock used to keep periodic jobs to a
// single running instance across processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured indicates the lock has no Redis client.
var ErrNotConfigured = errors.New("lock: redis client not configured")

// Locker acquires named locks in Redis via SETNX.
type Locker struct {
	R *redis.Client
}

// releaseScript deletes the key only when it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// TryRun executes fn only if the lock for key can be acquired immediately.
// When the lock is already held elsewhere the call is skipped and (false, nil)
// is returned; overlapping job ticks skip rather than queue up.
func (l Locker) TryRun(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l.R == nil {
		return false, ErrNotConfigured
	}
	if fn == nil {
		return false, errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer l.release(context.WithoutCancel(ctx), key, token)
	return true, fn(ctx)
}

func (l Locker) release(ctx context.Context, key, token string) {
	_ = l.R.Eval(ctx, releaseScript, []string{key}, token).Err()
}
