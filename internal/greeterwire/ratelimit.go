package greeterwire

import (
	"sync"
	"time"
)

// cleanupInterval controls how often stale identities are scanned out.
const cleanupInterval = 5 * time.Minute

// RateLimiter bounds how often a given identity (a username, or "" when
// AUTHENTICATE names no user) may attempt AUTHENTICATE on one Greeter within
// a sliding window — a misbehaving or hostile greeter process can otherwise
// hammer the host auth library. In-memory only; state does not survive a
// daemon restart.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
	attempts    map[string][]time.Time
	lastCleanup time.Time
}

// NewRateLimiter creates a rate limiter allowing maxAttempts per window.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether identity may attempt authentication now. If
// allowed, the attempt is recorded.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	if now.Sub(r.lastCleanup) > cleanupInterval {
		for id, times := range r.attempts {
			allExpired := true
			for _, t := range times {
				if t.After(cutoff) {
					allExpired = false
					break
				}
			}
			if allExpired {
				delete(r.attempts, id)
			}
		}
		r.lastCleanup = now
	}

	existing := r.attempts[identity]
	pruned := make([]time.Time, 0, len(existing))
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[identity] = pruned
		return false
	}

	r.attempts[identity] = append(pruned, now)
	return true
}

// Reset clears all rate limit state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string][]time.Time)
}
