package session

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RatePolicy selects the rate limiting algorithm.
type RatePolicy string

const (
	PolicyFixedWindow RatePolicy = "fixed_window"
	PolicyTokenBucket RatePolicy = "token_bucket"
)

// ParseRatePolicy normalizes a configured policy name.
func ParseRatePolicy(s string) (RatePolicy, error) {
	switch RatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFixedWindow:
		return PolicyFixedWindow, nil
	case PolicyTokenBucket:
		return PolicyTokenBucket, nil
	default:
		return "", fmt.Errorf("unknown rate limit policy %q", s)
	}
}

type limiter interface {
	// allow consumes one request if the budget permits it. When it does not,
	// it returns how long until the next request would be admitted.
	allow(now time.Time) (bool, time.Duration)
}

func newLimiter(policy RatePolicy, max int, window time.Duration, now time.Time) limiter {
	if max <= 0 || window <= 0 {
		return unlimited{}
	}
	if policy == PolicyTokenBucket {
		return &tokenBucket{
			capacity: float64(max),
			tokens:   float64(max),
			rate:     float64(max) / window.Seconds(),
			last:     now,
		}
	}
	return &fixedWindow{max: max, window: window, start: now}
}

type unlimited struct{}

func (unlimited) allow(time.Time) (bool, time.Duration) { return true, 0 }

type fixedWindow struct {
	max    int
	window time.Duration
	start  time.Time
	count  int
}

func (w *fixedWindow) allow(now time.Time) (bool, time.Duration) {
	if now.Sub(w.start) >= w.window {
		elapsed := now.Sub(w.start)
		w.start = w.start.Add(elapsed - elapsed%w.window)
		w.count = 0
	}
	if w.count >= w.max {
		return false, w.start.Add(w.window).Sub(now)
	}
	w.count++
	return true, 0
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
}

func (b *tokenBucket) allow(now time.Time) (bool, time.Duration) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / b.rate
	return false, time.Duration(wait * float64(time.Second))
}
