package hub

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most one registration per client id per window.
// Rejected attempts do not count, so the window runs from the last
// accepted attempt.
type Throttle struct {
	mu       sync.Mutex
	window   time.Duration
	now      func() time.Time
	limiters map[string]*throttleEntry
}

type throttleEntry struct {
	limiter  *rate.Limiter
	accepted time.Time
}

// NewThrottle creates a throttle with the given window.
func NewThrottle(window time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		window:   window,
		now:      now,
		limiters: make(map[string]*throttleEntry),
	}
}

// Allow reports whether id may register now.
func (t *Throttle) Allow(id string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.limiters[id]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.window), 1)}
		t.limiters[id] = e
	}
	if !e.limiter.AllowN(now, 1) {
		return false
	}
	e.accepted = now
	return true
}

// Prune forgets ids whose last accepted attempt is a full window old; a
// fresh limiter would admit them anyway.
func (t *Throttle) Prune() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.limiters {
		if now.Sub(e.accepted) >= t.window {
			delete(t.limiters, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked ids.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
