package engine

import (
	"sync"
	"time"
)

// RateLimiter enforces per-workflow rolling-window start limits. It tracks
// run start timestamps in memory; admission decisions are made by the
// coordinator before a run is created.
type RateLimiter struct {
	mu     sync.Mutex
	starts map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		starts: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a run start for the workflow if fewer than limit starts
// happened within the trailing window, and reports whether it was admitted.
func (r *RateLimiter) Allow(workflowID string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	kept := r.starts[workflowID][:0]
	for _, ts := range r.starts[workflowID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		r.starts[workflowID] = kept
		return false
	}

	r.starts[workflowID] = append(kept, now)
	return true
}
