package engine

import (
	"sync/atomic"
	"time"

	"jobqueue/internal/clock"
	"jobqueue/internal/runtime/meminfo"
)

// Metrics receives scheduler measurements. Implementations must be cheap and
// non-blocking; every method may be called from many workers at once.
type Metrics interface {
	JobDropped(class string)
	JobFinished(class string, lag, run time.Duration)
	JobFailed(class string)
	QueueDepth(ready, timed int)
	Runners(n int)
}

type nopMetrics struct{}

func (nopMetrics) JobDropped(string) {}
func (nopMetrics) JobFinished(string, time.Duration, time.Duration) {}
func (nopMetrics) JobFailed(string) {}
func (nopMetrics) QueueDepth(int, int) {}
func (nopMetrics) Runners(int) {}

// AttackSignal is the router's "under attack" detector.
type AttackSignal interface {
	UnderAttack() bool
}

// AttackFlag is a settable AttackSignal.
type AttackFlag struct{ v atomic.Bool }

func (f *AttackFlag) Set(on bool) { f.v.Store(on) }

func (f *AttackFlag) UnderAttack() bool { return f != nil && f.v.Load() }

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clk = c
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithAttackSignal(a AttackSignal) Option {
	return func(s *Scheduler) { s.attack = a }
}

// WithIntrospector supplies core count (for defaults) and host load (for the
// pump's high-load intervals).
func WithIntrospector(rt meminfo.Introspector) Option {
	return func(s *Scheduler) {
		if rt != nil {
			s.rt = rt
		}
	}
}

// WithEmergencyHandler installs the process-level reaction to resource
// exhaustion. Without one the scheduler shuts itself down.
func WithEmergencyHandler(fn func(err error)) Option {
	return func(s *Scheduler) { s.onEmergency = fn }
}
