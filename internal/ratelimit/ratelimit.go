package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimiter limits connections accepted on public listeners, globally and
// per control session. A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu         sync.Mutex
	global     *TokenBucket
	perSession map[string]*TokenBucket
	rate       int
	burst      int
	now        func() time.Time
}

// NewRateLimiter creates a limiter. A zero rate disables that level.
func NewRateLimiter(globalConnRate, perSessionConnRate, burst int) *RateLimiter {
	return newRateLimiter(globalConnRate, perSessionConnRate, burst, time.Now)
}

func newRateLimiter(globalConnRate, perSessionConnRate, burst int, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		perSession: make(map[string]*TokenBucket),
		rate:       perSessionConnRate,
		burst:      burst,
		now:        now,
	}
	if globalConnRate > 0 {
		rl.global = newTokenBucket(globalConnRate, burst, now)
	}
	return rl
}

// AllowConnection checks the global bucket first, then the session's own.
func (rl *RateLimiter) AllowConnection(session string) bool {
	if rl == nil {
		return true
	}
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.rate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := rl.perSession[session]
	if !ok {
		bucket = newTokenBucket(rl.rate, rl.burst, rl.now)
		rl.perSession[session] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the bucket of a session that went away.
func (rl *RateLimiter) Forget(session string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.perSession, session)
	rl.mu.Unlock()
}

// CleanupExpired removes buckets for sessions not in active.
func (rl *RateLimiter) CleanupExpired(active map[string]bool) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for session := range rl.perSession {
		if !active[session] {
			delete(rl.perSession, session)
		}
	}
}

// Tracked returns how many sessions currently hold a bucket.
func (rl *RateLimiter) Tracked() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perSession)
}
