package retry

import (
	"math/rand"
	"time"
)

// --------------------------------------------------------------------------
// Backoff
// --------------------------------------------------------------------------

// Backoff produces a sequence of increasing, jittered delays. It is pure
// state local to one logical retry sequence: NextBackoff mutates only the
// internal magnitude. It must not be shared across unrelated operations.
type Backoff struct {
	cur time.Duration
	max time.Duration
}

// Jitter bounds: each delay is randomized within +-10% of the current
// magnitude so that many clients retrying against the same node do not
// fire in lockstep.
const (
	jitterLow  = 0.9
	jitterSpan = 0.2
)

// NewBackoff creates a backoff over [initial, max]. The magnitude doubles
// on every call to NextBackoff until it reaches max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{cur: initial, max: max}
}

// NextBackoff returns the next delay and advances the magnitude.
func (b *Backoff) NextBackoff() time.Duration {
	jittered := time.Duration(float64(b.cur) * (jitterLow + jitterSpan*rand.Float64()))
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return jittered
}

// Reset returns the backoff to its initial magnitude. Called when a new
// logical operation begins.
func (b *Backoff) Reset(initial time.Duration) {
	if initial <= 0 {
		initial = time.Millisecond
	}
	b.cur = initial
	if b.max < b.cur {
		b.max = b.cur
	}
}
