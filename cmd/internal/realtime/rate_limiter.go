package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter over inbound frames.
//
// It keeps the last limit accepted timestamps in a ring; the oldest one
// decides whether the window has room.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	full   bool
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs take the
// connection defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow records a frame at now when the window has room. Otherwise it
// reports how long until the oldest accepted frame leaves the window.
func (r *RateLimiter) Allow(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		// r.next is the oldest slot once the ring has wrapped.
		if wait := r.ring[r.next].Add(r.window).Sub(now); wait > 0 {
			return false, wait
		}
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return true, 0
}
