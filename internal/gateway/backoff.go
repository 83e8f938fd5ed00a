// ABOUTME: Bounded exponential backoff with jitter for reconnects and restarts.
// ABOUTME: Base 1s, cap 60s, factor 2, +/-25% jitter unless overridden.

package gateway

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 60 * time.Second
)

type backoff struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	return &backoff{base: base, max: max}
}

// next returns the delay for the current attempt and advances the counter.
func (b *backoff) next() time.Duration {
	d := b.base
	for i := 0; i < b.attempts && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempts++

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func (b *backoff) reset() {
	b.attempts = 0
}
