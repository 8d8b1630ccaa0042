package autoscale

import "time"

// breaker counts consecutive failed scale-ups. Once trip failures pile up it
// opens and stays open for resetAfter; while open only scale-down runs.
type breaker struct {
	trip       int
	resetAfter time.Duration

	fails    int
	openedAt time.Time
}

func newBreaker(trip int, resetAfter time.Duration) breaker {
	return breaker{trip: trip, resetAfter: resetAfter}
}

func (b *breaker) isOpen() bool { return !b.openedAt.IsZero() }

// failure records a failed scale-up and reports whether it tripped.
func (b *breaker) failure(now time.Time) bool {
	b.fails++
	if b.fails < b.trip || b.isOpen() {
		return false
	}
	b.openedAt = now
	return true
}

// success clears the failure streak. It reports whether there was one.
func (b *breaker) success() bool {
	had := b.fails > 0
	b.fails = 0
	return had
}

// expire closes an open breaker once it has cooled off, and reports whether
// it did.
func (b *breaker) expire(now time.Time) bool {
	if !b.isOpen() || now.Sub(b.openedAt) <= b.resetAfter {
		return false
	}
	b.fails = 0
	b.openedAt = time.Time{}
	return true
}

// until is when an open breaker will close.
func (b *breaker) until() time.Time {
	if !b.isOpen() {
		return time.Time{}
	}
	return b.openedAt.Add(b.resetAfter)
}
