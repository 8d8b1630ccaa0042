package engine

import (
	"context"
	"time"
)

const highLoadPercent = 98

// pump promotes due timed jobs to the ready queue, then sleeps until the
// next start, a wake-up, or ctx ends.
func (s *Scheduler) pump(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for s.alive.Load() {
		wait := s.pumpOnce()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// pumpOnce runs a single promotion pass and returns how long to sleep.
//
// Promoted jobs keep their scheduled start, so their lag counts from when
// they became due, not from when the pump noticed.
func (s *Scheduler) pumpOnce() time.Duration {
	cfg := s.Config()
	highLoad := s.rt.LoadPercent() >= highLoadPercent

	s.jobMu.Lock()
	now := s.clk.Now()
	for _, j := range s.timed.popDue(now) {
		j.Timing().MarkReady(now)
		s.ready.push(j)
	}
	next, ok := s.timed.next()
	left := time.Duration(-1)
	if ok {
		left = next.Sub(now)
	}
	wait := pumpDelay(left, cfg.SlowHost, highLoad)
	s.nextPumpRun = now.Add(wait).UnixNano()
	nTimed := s.timed.len()
	s.jobMu.Unlock()

	s.metrics.QueueDepth(s.ready.len(), nTimed)
	return wait
}

// pumpDelay clamps the time until the next start. A negative left means the
// timed set is empty.
func pumpDelay(left time.Duration, slow, highLoad bool) time.Duration {
	pick := func(normal, loaded time.Duration) time.Duration {
		if highLoad {
			return loaded
		}
		return normal
	}
	switch {
	case left < 0:
		return pick(100*time.Millisecond, 250*time.Millisecond)
	case left < 10*time.Millisecond:
		return pick(50*time.Millisecond, 100*time.Millisecond)
	case left > 10*time.Second:
		return pick(10*time.Second, 12*time.Second)
	case !slow && left > 2*time.Second:
		return pick(2*time.Second, 3*time.Second)
	}
	return left
}

func (s *Scheduler) wakePump() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
