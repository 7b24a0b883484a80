package gateway

import (
	"sync"
	"time"
)

// ClientRateLimiter caps how many frames one connection may send per window.
type ClientRateLimiter struct {
	mu        sync.Mutex
	maxFrames int
	window    time.Duration
	frames    []time.Time
	now       func() time.Time
}

// NewClientRateLimiter creates a limiter with the default 60 frames per minute.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, time.Minute)
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits. A
// non-positive maxFrames disables limiting.
func NewClientRateLimiterWithLimits(maxFrames int, window time.Duration) *ClientRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &ClientRateLimiter{
		maxFrames: maxFrames,
		window:    window,
		now:       time.Now,
	}
}

// Allow records a frame and reports whether it fits in the window.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxFrames <= 0 {
		return true
	}
	now := r.now()
	r.evict(now)
	if len(r.frames) >= r.maxFrames {
		return false
	}
	r.frames = append(r.frames, now)
	return true
}

// Count returns the frames currently inside the window.
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(r.now())
	return len(r.frames)
}

func (r *ClientRateLimiter) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	keep := r.frames[:0]
	for _, t := range r.frames {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.frames = keep
}
