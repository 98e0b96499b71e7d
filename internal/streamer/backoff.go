package streamer

import (
	"math/rand"
	"time"
)

// backoff produces exponentially growing delays with additive jitter:
// the first failure waits the initial delay, each subsequent failure
// multiplies by factor up to max, and every delay gains a random jitter
// drawn from [0, delay*jitterFactor).
type backoff struct {
	initial      time.Duration
	max          time.Duration
	factor       float64
	jitterFactor float64

	current time.Duration
	randF   func() float64
}

func newBackoff(initial, max time.Duration, factor, jitterFactor float64) *backoff {
	return &backoff{
		initial:      initial,
		max:          max,
		factor:       factor,
		jitterFactor: jitterFactor,
		randF:        rand.Float64,
	}
}

// next advances the backoff and returns the delay to wait.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current = time.Duration(float64(b.current) * b.factor)
		if b.current > b.max {
			b.current = b.max
		}
	}
	jitter := time.Duration(b.randF() * b.jitterFactor * float64(b.current))
	return b.current + jitter
}

// reset returns the backoff to its idle state after a success.
func (b *backoff) reset() {
	b.current = 0
}
