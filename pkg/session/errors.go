package session

import (
	"errors"
	"fmt"
	"time"
)

// RejectReason explains why a slot was not granted.
type RejectReason string

const (
	RateLimited       RejectReason = "rate_limited"
	Unauthorized      RejectReason = "unauthorized"
	TooManyConcurrent RejectReason = "too_many_concurrent"
)

// Rejection is returned when a slot cannot be granted.
type Rejection struct {
	Reason     RejectReason
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("slot rejected: %s (retry after %s)", r.Reason, r.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("slot rejected: %s", r.Reason)
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a Rejection.
func ReasonOf(err error) RejectReason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
