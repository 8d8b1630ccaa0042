package job

import (
	"sync/atomic"
	"time"
)

// Timing holds a job's scheduled start and its actual start/end.
//
// Values are stored as unix nanoseconds so workers, the pump and clock-shift
// callbacks can touch them without a lock. Zero means "not set".
type Timing struct {
	start       atomic.Int64
	actualStart atomic.Int64
	actualEnd   atomic.Int64
	madeReady   atomic.Int64
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// StartAfter is the earliest time the job may run.
func (t *Timing) StartAfter() time.Time { return fromNanos(t.start.Load()) }

// SetStartAfter changes the scheduled start. A job already handed to the
// scheduler must be resubmitted for the change to take effect.
func (t *Timing) SetStartAfter(at time.Time) { t.start.Store(toNanos(at)) }

func (t *Timing) ActualStart() time.Time { return fromNanos(t.actualStart.Load()) }
func (t *Timing) ActualEnd() time.Time   { return fromNanos(t.actualEnd.Load()) }
func (t *Timing) MadeReady() time.Time   { return fromNanos(t.madeReady.Load()) }

func (t *Timing) Begin(at time.Time)     { t.actualStart.Store(toNanos(at)) }
func (t *Timing) End(at time.Time)       { t.actualEnd.Store(toNanos(at)) }
func (t *Timing) MarkReady(at time.Time) { t.madeReady.Store(toNanos(at)) }

// Shift adds delta to every set timestamp after a clock offset change.
// Unset fields stay unset.
func (t *Timing) Shift(delta time.Duration) {
	if delta == 0 {
		return
	}
	for _, v := range []*atomic.Int64{&t.start, &t.actualStart, &t.actualEnd} {
		for {
			cur := v.Load()
			if cur == 0 || v.CompareAndSwap(cur, cur+int64(delta)) {
				break
			}
		}
	}
}

// Lag is how late the job started relative to its scheduled start.
func (t *Timing) Lag() time.Duration {
	s, a := t.start.Load(), t.actualStart.Load()
	if s == 0 || a == 0 {
		return 0
	}
	return time.Duration(a - s)
}
