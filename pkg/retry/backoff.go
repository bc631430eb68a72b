package retry

import (
	"sync"
	"time"
)

// Backoff tracks a reconnection interval that doubles from Floor up to Cap.
// Next returns the interval to wait now, jittered by +/- JitterFraction, and
// advances the base interval. Reset returns the base interval to Floor.
//
// The base interval never decreases between resets; jitter is applied to
// the returned wait only, and the jittered wait never exceeds Cap.
type Backoff struct {
	Floor          time.Duration
	Cap            time.Duration
	JitterFraction float64

	// Rand returns a value in [0, 1). Defaults to the package source.
	Rand func() float64

	mu       sync.Mutex
	interval time.Duration
}

// NewBackoff returns a Backoff starting at floor.
func NewBackoff(floor, limit time.Duration, jitter float64) *Backoff {
	return &Backoff{Floor: floor, Cap: limit, JitterFraction: jitter, interval: floor}
}

// Interval reports the current base interval.
func (b *Backoff) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interval < b.Floor {
		return b.Floor
	}
	return b.interval
}

// Next returns the jittered wait for the current interval and doubles the
// interval for the following call.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interval < b.Floor {
		b.interval = b.Floor
	}
	current := b.interval

	next := current * 2
	if b.Cap > 0 && next > b.Cap {
		next = b.Cap
	}
	b.interval = next

	if b.JitterFraction <= 0 {
		return current
	}
	r := randFloat
	if b.Rand != nil {
		r = b.Rand
	}
	// scale in [1-j, 1+j)
	scale := 1 - b.JitterFraction + 2*b.JitterFraction*r()
	wait := time.Duration(float64(current) * scale)
	if b.Cap > 0 && wait > b.Cap {
		wait = b.Cap
	}
	return wait
}

// Reset returns the interval to Floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.interval = b.Floor
	b.mu.Unlock()
}
