// Package ratelimit provides sliding-window rate limiting for the secrets
// bus. Two backends are available: an in-memory limiter for single-process
// deployments and a Redis-backed limiter when limits must survive restarts
// or be shared with sidecar tooling.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the fixed evaluation window for all limits
const Window = time.Minute

// RateLimiter decides whether a keyed operation may proceed.
// The limit is supplied per call because callers enforce per-operation
// caps over the same window.
type RateLimiter interface {
	// Allow returns whether the request is admitted and, when denied,
	// the number of seconds until the caller may retry.
	Allow(ctx context.Context, key string, limit int) (allowed bool, retryAfterSeconds int)
}

// InMemoryRateLimiter provides rate limiting without external dependencies.
// Sliding window over recorded timestamps: accurate at window boundaries,
// O(limit) memory per key.
type InMemoryRateLimiter struct {
	mu          sync.Mutex
	hits        map[string][]time.Time
	lastCleanup time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		hits:        make(map[string][]time.Time),
		lastCleanup: time.Now(),
	}
}

// Allow checks if a request is allowed
func (l *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int) {
	now := time.Now()
	windowStart := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked(now)

	recent := pruneBefore(l.hits[key], windowStart)

	if len(recent) >= limit {
		l.hits[key] = recent
		retryAfter := int(recent[0].Add(Window).Sub(now).Seconds()) + 1
		return false, retryAfter
	}

	l.hits[key] = append(recent, now)
	return true, 0
}

// Remaining reports how many requests are left in the current window
func (l *InMemoryRateLimiter) Remaining(key string, limit int) int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.hits[key], now.Add(-Window))
	l.hits[key] = recent
	if remaining := limit - len(recent); remaining > 0 {
		return remaining
	}
	return 0
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && hits[idx].Before(cutoff) {
		idx++
	}
	return hits[idx:]
}

// cleanupLocked drops keys with no recent activity to bound memory
func (l *InMemoryRateLimiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < 5*Window {
		return
	}
	cutoff := now.Add(-Window)
	for key, hits := range l.hits {
		if remaining := pruneBefore(hits, cutoff); len(remaining) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = remaining
		}
	}
	l.lastCleanup = now
}
