// Package ratelimit throttles user commands and provides the per-user lock used
// when several engine instances share one Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most limit requests per key within a sliding window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Rule is one named limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// MemoryLimiter is a process-local sliding-window limiter.
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.hits[key] = kept
		return false, nil
	}
	l.hits[key] = append(kept, now)
	return true, nil
}

var _ Limiter = (*MemoryLimiter)(nil)
