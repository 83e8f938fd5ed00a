// ABOUTME: Per-bucket REST rate limiter driven by response headers.
// ABOUTME: Serializes same-bucket callers and enforces the global lockout.

package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Response headers consulted by Release.
const (
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerLimit      = "X-RateLimit-Limit"
	headerGlobal     = "X-RateLimit-Global"
	headerRetryAfter = "Retry-After"
)

// bucket tracks quota for one REST resource group. The semantics are
// "remaining calls allowed until reset, then back to limit", matching the
// upstream accounting rather than a token bucket.
type bucket struct {
	// lock serializes callers of the same bucket across the whole
	// acquire/request/release span so quota decisions stay consistent.
	// Channel-based so a waiting acquire can be cancelled.
	lock chan struct{}

	mu        sync.Mutex
	remaining int
	limit     int
	reset     time.Time
}

func newBucket() *bucket {
	return &bucket{
		lock:      make(chan struct{}, 1),
		remaining: 1,
		limit:     1,
	}
}

// Limiter tracks per-bucket REST quotas learned from response headers.
// Buckets are created lazily on first use and never destroyed.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	globalUntil time.Time
	logger      *slog.Logger
}

// NewLimiter creates a REST rate limiter. Pass nil logger for default.
func NewLimiter(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		logger:  logger.With("component", "ratelimit"),
	}
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = newBucket()
		l.buckets[key] = b
	}
	return b
}

// globalDeadline returns the current global lockout deadline, which is the
// zero time when no lockout is armed.
func (l *Limiter) globalDeadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalUntil
}

// LockGlobal suspends all bucket acquisitions for the given duration.
func (l *Limiter) LockGlobal(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(l.globalUntil) {
		l.globalUntil = until
		l.logger.Warn("global rate limit hit, suspending all buckets", "retry_after", d)
	}
}

// Acquire blocks until the bucket identified by key has remaining quota and
// no global lockout is active. Every successful Acquire must be paired with a
// Release for the same key once the request completes. Cancelling ctx
// unblocks a waiting caller.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	b := l.bucketFor(key)

	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := l.waitQuota(ctx, key, b); err != nil {
		<-b.lock
		return err
	}
	return nil
}

// waitQuota waits out the global lockout and the bucket's own reset deadline.
// Called with the bucket lock held.
func (l *Limiter) waitQuota(ctx context.Context, key string, b *bucket) error {
	for {
		if until := l.globalDeadline(); time.Now().Before(until) {
			if err := sleepUntil(ctx, until); err != nil {
				return err
			}
			continue
		}

		b.mu.Lock()
		if b.remaining > 0 || b.reset.IsZero() || !time.Now().Before(b.reset) {
			if b.remaining <= 0 {
				// Reset deadline passed: quota returns to the ceiling.
				b.remaining = b.limit
				if b.remaining < 1 {
					b.remaining = 1
				}
			}
			b.remaining--
			b.mu.Unlock()
			return nil
		}
		reset := b.reset
		b.mu.Unlock()

		l.logger.Debug("bucket depleted, waiting for reset", "bucket", key, "reset_in", time.Until(reset))
		if err := sleepUntil(ctx, reset); err != nil {
			return err
		}
	}
}

// Release updates the bucket from response headers and releases the bucket
// lock taken by Acquire. A nil header map only releases the lock.
func (l *Limiter) Release(key string, headers http.Header) {
	b := l.bucketFor(key)
	defer func() { <-b.lock }()

	if headers == nil {
		return
	}

	b.mu.Lock()
	if v := headers.Get(headerRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.remaining = n
		}
	}
	if v := headers.Get(headerLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			b.limit = n
		}
	}
	if v := headers.Get(headerResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			b.reset = time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	}
	b.mu.Unlock()

	if headers.Get(headerGlobal) != "" {
		if secs, err := strconv.ParseFloat(headers.Get(headerRetryAfter), 64); err == nil && secs > 0 {
			l.LockGlobal(time.Duration(secs * float64(time.Second)))
		}
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
