package queue

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays as base * multiplier^retryCount plus a
// random jitter, capped at Cap.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	// JitterPercent is the maximum jitter as a percentage of the
	// exponential term.
	JitterPercent int

	mu   sync.Mutex
	rand func() float64
}

// DefaultBackoff returns 1s base, doubling, capped at 30s, with up to 20%
// jitter.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Base:          time.Second,
		Multiplier:    2,
		Cap:           30 * time.Second,
		JitterPercent: 20,
	}
}

// SetRand replaces the jitter source. fn must return values in [0, 1).
func (b *Backoff) SetRand(fn func() float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rand = fn
}

// Delay returns the wait before the attempt following retryCount failures.
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	exp := float64(b.Base) * math.Pow(b.Multiplier, float64(retryCount))
	if exp >= float64(b.Cap) || math.IsInf(exp, 0) {
		return b.Cap
	}

	maxJitter := exp * float64(b.JitterPercent) / 100.0
	delay := time.Duration(exp + maxJitter*b.random())
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}

func (b *Backoff) random() float64 {
	b.mu.Lock()
	fn := b.rand
	b.mu.Unlock()
	if fn == nil {
		return rand.Float64()
	}
	return fn()
}
