package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RedisLimiter is a sliding-window limiter backed by sorted sets. The check
// and the insert run in one Lua script so concurrent instances agree.
type RedisLimiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewRedisLimiter creates a limiter on rdb.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, script: redis.NewScript(slidingWindowLua)}
}

func limitKey(key string) string {
	return "ratelimit:" + key
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := l.script.Run(ctx, l.rdb,
		[]string{limitKey(key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.New().String(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("ratelimit: allow %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("ratelimit: allow %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("ratelimit: lock held")

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker hands out per-key locks with SETNX and a token-checked release.
type RedisLocker struct {
	rdb    *redis.Client
	unlock *redis.Script
}

// NewRedisLocker creates a locker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, unlock: redis.NewScript(unlockLua)}
}

// Acquire takes the lock for key for at most ttl. The returned release
// function may be called more than once.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := "lock:" + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlock.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
