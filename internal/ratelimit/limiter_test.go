package ratelimit_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/session-engine/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := ratelimit.NewMemoryLimiter().WithClock(clk.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "hook:u1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		clk.Advance(10 * time.Second)
	}
	ok, _ := l.Allow(ctx, "hook:u1", 3, time.Minute)
	assert.False(t, ok, "fourth request inside the window")

	// Other keys are unaffected.
	ok, _ = l.Allow(ctx, "hook:u2", 3, time.Minute)
	assert.True(t, ok)

	// The first hit leaves the window 60s after it was made.
	clk.Advance(31 * time.Second)
	ok, _ = l.Allow(ctx, "hook:u1", 3, time.Minute)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "hook:u1", 3, time.Minute)
	assert.False(t, ok)
}

func TestMemoryLimiter_ZeroLimitDenies(t *testing.T) {
	ok, err := ratelimit.NewMemoryLimiter().Allow(context.Background(), "k", 0, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l := ratelimit.NewMemoryLimiter()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(context.Background(), "k", 10, time.Hour); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisLimiter(t *testing.T) {
	rdb := redisClient(t)
	l := ratelimit.NewRedisLimiter(rdb)
	ctx := context.Background()
	key := "it-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLocker(t *testing.T) {
	rdb := redisClient(t)
	lk := ratelimit.NewRedisLocker(rdb)
	ctx := context.Background()
	key := "it-" + uuid.NewString()

	unlock, err := lk.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = lk.Acquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ratelimit.ErrLockHeld)

	unlock()
	unlock()

	again, err := lk.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	again()
}
