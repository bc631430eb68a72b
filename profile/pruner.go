package profile

import (
	"context"
	"time"

	"github.com/c360/chatrelay/errors"
)

// nextPrune returns the first moment at hour:00 local time strictly after now.
func nextPrune(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches the daily prune scheduler.
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "profile", "Start", "check started state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pruneLoop(runCtx, c.done)
	return nil
}

func (c *Cache) pruneLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		now := c.now()
		at := nextPrune(now, c.cfg.PruneHour)
		c.logger.Debug("Next profile prune scheduled", "at", at)

		timer := time.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		if _, err := c.Prune(pruneCtx); err != nil {
			c.logger.Error("Profile prune failed", "error", err)
		}
		cancel()
	}
}

// Stop ends the scheduler and waits for pending durable writes.
func (c *Cache) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "profile", "Stop", "wait for prune scheduler")
		}
	}
	return c.Flush(ctx)
}
