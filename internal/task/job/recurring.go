package job

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Submitter is the part of the scheduler a recurring job needs.
type Submitter interface {
	Submit(j Job) error
	Now() time.Time
}

// Recurring re-arms itself at the schedule's next activation once the runner
// has finished with the previous one, so one instance never runs twice at once.
type Recurring struct {
	Base
	sched   cron.Schedule
	fn      func(ctx context.Context) error
	sub     Submitter
	onDrop  func()
	stopped atomic.Bool
	runs    atomic.Uint64
}

func NewRecurring(id uint64, name string, sched cron.Schedule, sub Submitter, fn func(ctx context.Context) error) *Recurring {
	return &Recurring{Base: NewBase(id, name), sched: sched, fn: fn, sub: sub}
}

// WithDropHook sets a hook called when one activation is dropped.
func (r *Recurring) WithDropHook(fn func()) *Recurring {
	r.onDrop = fn
	return r
}

// Arm schedules the first activation.
func (r *Recurring) Arm() error {
	r.stopped.Store(false)
	return r.requeue()
}

// Stop prevents further activations. An activation already queued still runs.
func (r *Recurring) Stop() { r.stopped.Store(true) }

func (r *Recurring) Runs() uint64 { return r.runs.Load() }

func (r *Recurring) Run(ctx context.Context) error {
	r.runs.Add(1)
	var err error
	if r.fn != nil {
		err = r.fn(ctx)
	}
	return err
}

// Finished submits the next activation. A rejected submit ends the series.
func (r *Recurring) Finished() {
	if err := r.requeue(); err != nil {
		r.stopped.Store(true)
	}
}

// Dropped re-arms the series one period later. It never resubmits inline:
// Dropped runs inside Submit, and an immediate resubmit would be dropped again.
func (r *Recurring) Dropped() {
	if r.onDrop != nil {
		r.onDrop()
	}
	if r.stopped.Load() || r.sub == nil || r.sched == nil {
		return
	}
	now := r.sub.Now()
	wait := r.sched.Next(now).Sub(now)
	if wait < 0 {
		wait = 0
	}
	time.AfterFunc(wait, func() {
		if r.stopped.Load() {
			return
		}
		r.Timing().SetStartAfter(r.sub.Now())
		if err := r.sub.Submit(r); err != nil {
			r.stopped.Store(true)
		}
	})
}

// requeue submits the next activation. A rejected submit (scheduler gone)
// ends the series.
func (r *Recurring) requeue() error {
	if r.stopped.Load() || r.sub == nil || r.sched == nil {
		return nil
	}
	r.Timing().SetStartAfter(r.sched.Next(r.sub.Now()))
	return r.sub.Submit(r)
}
