// Package ratelimit implements fixed-window request counting per caller key.
//
// A window starts on the first request for a key and lasts Limit.Window.
// Requests are admitted while the window's count stays at or below
// Limit.MaxRequests. Because windows are fixed, a caller can get up to twice
// MaxRequests through across a window boundary.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidLimit = errors.New("ratelimit: max requests and window must be positive")

type Limit struct {
	MaxRequests int
	Window      time.Duration
}

func (l Limit) valid() bool {
	return l.MaxRequests > 0 && l.Window > 0
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long a denied caller should wait, at least a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Limiter admits or denies a request for key under limit.
type Limiter interface {
	Check(ctx context.Context, key string, limit Limit) (Decision, error)
}

func decide(count int, limit Limit, windowStart time.Time) Decision {
	remaining := limit.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit.MaxRequests,
		Count:     count,
		Limit:     limit.MaxRequests,
		Remaining: remaining,
		ResetAt:   windowStart.Add(limit.Window),
	}
}
