package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	b.SetRand(func() float64 { return 0 })

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(100))
}

func TestBackoffJitterBounded(t *testing.T) {
	b := DefaultBackoff()
	b.SetRand(func() float64 { return 0.999 })

	d := b.Delay(1)
	assert.Greater(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 2*time.Second+400*time.Millisecond)

	// Jitter never pushes a delay past the cap.
	b.Cap = 18 * time.Second
	assert.Equal(t, 18*time.Second, b.Delay(4))
}

func TestBackoffMonotonic(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		b.SetRand(func() float64 { return 0 })
		d := b.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}
