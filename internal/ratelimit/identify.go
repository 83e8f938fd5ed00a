// ABOUTME: Counting gate bounding how many shards may be mid-identify at once.
// ABOUTME: Slots refill on a fixed cadence; there is no manual release.

package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdentifyInterval is the upstream identify window: one slot returns
// to the pool every five seconds.
const DefaultIdentifyInterval = 5 * time.Second

// IdentifyLimiter bounds concurrent identify handshakes across all shards in
// the process. Capacity comes from the bootstrap call's max_concurrency and
// is immutable; slots refill one per interval rather than being released by
// callers. Resumes bypass this limiter entirely.
type IdentifyLimiter struct {
	limiter  *rate.Limiter
	capacity int
	interval time.Duration
}

// NewIdentifyLimiter creates a limiter with the given capacity and refill
// interval. Capacity below one is clamped to one; a non-positive interval
// falls back to DefaultIdentifyInterval.
func NewIdentifyLimiter(capacity int, interval time.Duration) *IdentifyLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if interval <= 0 {
		interval = DefaultIdentifyInterval
	}
	return &IdentifyLimiter{
		limiter:  rate.NewLimiter(rate.Every(interval), capacity),
		capacity: capacity,
		interval: interval,
	}
}

// Acquire blocks until an identify slot is available or ctx is done.
func (l *IdentifyLimiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Capacity returns the maximum number of identify handshakes allowed per
// refill window.
func (l *IdentifyLimiter) Capacity() int {
	return l.capacity
}

// Interval returns the refill cadence.
func (l *IdentifyLimiter) Interval() time.Duration {
	return l.interval
}
