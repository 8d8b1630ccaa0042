// Package job defines the unit of work accepted by the scheduler.
//
// A Job is owned by its submitter until Submit, by the scheduler until a
// worker pops it, and by exactly one worker until Run returns.
package job

import (
	"context"
	"strings"
	"sync/atomic"
)

// Job is the capability set the scheduler needs from a unit of work.
type Job interface {
	// ID is unique and monotonically increasing within one scheduler.
	ID() uint64
	// Name is the job class, used for stats, drop policy and metrics.
	Name() string
	Timing() *Timing
	// Run executes the body. Returned errors and panics are execution
	// faults; wrap engine.ErrResourceExhausted to request an emergency stop.
	Run(ctx context.Context) error
	// Dropped is called exactly once when the scheduler discards the job
	// under backpressure. It must not block.
	Dropped()
}

// Finisher is implemented by jobs that need a hook once the runner is done
// with them. Finished is called after the run is accounted for, when no
// runner holds the job any more, so it may resubmit itself.
type Finisher interface {
	Finished()
}

// Sequence hands out job ids. Each scheduler owns one.
type Sequence struct{ n atomic.Uint64 }

func (s *Sequence) Next() uint64 { return s.n.Add(1) }

// Base implements ID, Name and Timing. Embed it in concrete jobs.
type Base struct {
	id     uint64
	name   string
	timing Timing
}

func NewBase(id uint64, name string) Base {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unnamed"
	}
	return Base{id: id, name: name}
}

func (b *Base) ID() uint64      { return b.id }
func (b *Base) Name() string    { return b.name }
func (b *Base) Timing() *Timing { return &b.timing }

// Func adapts a plain function to Job.
type Func struct {
	Base
	fn     func(ctx context.Context) error
	onDrop func()
}

func NewFunc(id uint64, name string, fn func(ctx context.Context) error) *Func {
	return &Func{Base: NewBase(id, name), fn: fn}
}

// WithDropHook sets the cleanup called when the job is dropped.
func (f *Func) WithDropHook(fn func()) *Func {
	f.onDrop = fn
	return f
}

func (f *Func) Run(ctx context.Context) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx)
}

func (f *Func) Dropped() {
	if f.onDrop != nil {
		f.onDrop()
	}
}
