package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a keyed token bucket. Each key holds up to limit tokens refilled evenly over window.
type Limiter struct {
	store sync.Map // map[string]*bucket
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

func New() *Limiter {
	return &Limiter{}
}

// Allow takes one token from key's bucket if one is available.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	ok, _ := l.reserve(key, limit, window, time.Now())
	return ok
}

// Wait blocks until a token is available for key or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		ok, wait := l.reserve(key, limit, window, time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve returns whether a token was taken and, if not, how long until the next one.
func (l *Limiter) reserve(key string, limit int, window time.Duration, now time.Time) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return true, 0
	}

	val, _ := l.store.LoadOrStore(key, &bucket{
		tokens:     float64(limit),
		lastRefill: now,
		lastAccess: now,
	})
	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = now

	rate := float64(limit) / window.Seconds()
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * rate
		if b.tokens > float64(limit) {
			b.tokens = float64(limit)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	missing := 1 - b.tokens
	return false, time.Duration(missing / rate * float64(time.Second))
}

// Cleanup drops buckets that have not been used for idle.
func (l *Limiter) Cleanup(idle time.Duration) {
	now := time.Now()
	l.store.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastAccess) >= idle {
			l.store.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(idle)
		}
	}
}
