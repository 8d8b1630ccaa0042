// Package clock provides the adjustable time source used by the scheduler.
//
// The router corrects its notion of network time at runtime (e.g. after peer
// skew measurements). Components that hold absolute deadlines subscribe to
// shift notifications so they can rebase those deadlines.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a time source with offset-shift notifications.
type Clock interface {
	Now() time.Time
	// OnShift registers fn to run after every offset change. delta is
	// new offset minus old offset: negative means time moved backward.
	OnShift(fn func(delta time.Duration)) (cancel func())
}

// System is the wall clock plus an adjustable offset.
// Zero value is ready to use.
type System struct {
	offset atomic.Int64
	subs   listeners
}

// NewSystem returns a system clock with zero offset.
func NewSystem() *System { return &System{} }

func (c *System) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *System) Offset() time.Duration { return time.Duration(c.offset.Load()) }

// SetOffset replaces the current offset and notifies subscribers of the delta.
func (c *System) SetOffset(off time.Duration) {
	prev := time.Duration(c.offset.Swap(int64(off)))
	if delta := off - prev; delta != 0 {
		c.subs.notify(delta)
	}
}

// Adjust moves the clock by delta.
func (c *System) Adjust(delta time.Duration) {
	if delta == 0 {
		return
	}
	c.offset.Add(int64(delta))
	c.subs.notify(delta)
}

func (c *System) OnShift(fn func(delta time.Duration)) func() { return c.subs.add(fn) }

// listeners is a small copy-on-notify subscriber set.
type listeners struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]func(time.Duration)
}

func (l *listeners) add(fn func(time.Duration)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.subs == nil {
		l.subs = map[uint64]func(time.Duration){}
	}
	l.seq++
	id := l.seq
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify(delta time.Duration) {
	// Snapshot so callbacks may unsubscribe or take their own locks.
	l.mu.Lock()
	fns := make([]func(time.Duration), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(delta)
	}
}
