package streamer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffProgression(t *testing.T) {
	b := newBackoff(time.Second, 60*time.Second, 2, 0)
	b.randF = func() float64 { return 0 }

	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
	assert.Equal(t, 8*time.Second, b.next())
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := newBackoff(time.Second, 5*time.Second, 10, 0)
	b.randF = func() float64 { return 0 }

	b.next()
	assert.Equal(t, 5*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())
}

func TestBackoffJitterRange(t *testing.T) {
	b := newBackoff(10*time.Second, time.Minute, 2, 0.1)
	b.randF = func() float64 { return 1 }

	// Full jitter on the first step: 10s + 10s*0.1.
	assert.Equal(t, 11*time.Second, b.next())
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(time.Second, time.Minute, 2, 0)
	b.randF = func() float64 { return 0 }

	b.next()
	b.next()
	b.reset()
	assert.Equal(t, time.Second, b.next(), "reset restarts from the initial delay")
}
