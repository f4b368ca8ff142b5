// Package ratelimit implements the pluggable rate limiter contract from
// spec.md §9: Allow(key, limit, window) -> {allowed, remaining,
// reset_after}. The default backend is an in-memory sliding window,
// process-local per spec.md §1's non-goal of distributed HA.
//
// Grounded on
// original_source/sunny_scada/services/rate_limiter.py.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
}

// Limiter is the pluggable rate-limiting contract. Implementations:
// Memory (default) and Redis (internal/ratelimit's redis.go).
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Result
}

type bucket struct {
	hits []time.Time
}

// Memory is a process-local sliding-window limiter, mutex-guarded.
// Grounded on rate_limiter.py's RateLimiter, whose docstring itself
// notes the process-local nature and suggests a shared store for HA —
// the justification for Redis being the pluggable alternative below.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemory constructs an empty in-memory limiter.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*bucket)}
}

// Allow implements Limiter using a sliding window: hits older than
// `window` are dropped before counting.
func (m *Memory) Allow(key string, limit int, window time.Duration) Result {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}

	cutoff := now.Add(-window)
	kept := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hits = kept

	if len(b.hits) >= limit {
		oldest := b.hits[0]
		return Result{Allowed: false, Remaining: 0, ResetAfter: oldest.Add(window).Sub(now)}
	}

	b.hits = append(b.hits, now)
	remaining := limit - len(b.hits)
	resetAfter := window
	if len(b.hits) > 0 {
		resetAfter = b.hits[0].Add(window).Sub(now)
	}
	return Result{Allowed: true, Remaining: remaining, ResetAfter: resetAfter}
}
