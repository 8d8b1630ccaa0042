package clock

import (
	"sync"
	"time"
)

// Manual is a deterministic clock for tests and simulations.
//
// Advance models the passage of time (no notification); Shift models an
// offset correction and notifies subscribers like System does.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	subs listeners
}

func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(1_700_000_000, 0)
	}
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	return now
}

func (c *Manual) Shift(delta time.Duration) {
	if delta == 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
	c.subs.notify(delta)
}

func (c *Manual) OnShift(fn func(delta time.Duration)) func() { return c.subs.add(fn) }
