// Package loadgen feeds the scheduler synthetic job classes on cron
// schedules. It stands in for router traffic when tuning the autoscaler.
package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobqueue/internal/task/job"
	logx "jobqueue/pkg/logx"
)

// Scheduler is what the generator needs from engine.Scheduler.
type Scheduler interface {
	job.Submitter
	NextID() uint64
	NewJob(class string, fn func(ctx context.Context) error) *job.Func
}

// Class is one synthetic workload.
type Class struct {
	Name     string
	Schedule cron.Schedule
	// Work is how long each job occupies its runner.
	Work  time.Duration
	Burst int
}

// Generator owns one recurring driver job per class.
type Generator struct {
	sched Scheduler
	log   logx.Logger

	mu      sync.Mutex
	drivers []*job.Recurring

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

func New(sched Scheduler, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{sched: sched, log: log.With(logx.String("comp", "loadgen"))}
}

// Start replaces any running drivers with one per class.
func (g *Generator) Start(classes []Class) {
	g.Stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range classes {
		c := c
		if c.Burst <= 0 {
			c.Burst = 1
		}
		d := job.NewRecurring(g.sched.NextID(), "loadgen."+c.Name, c.Schedule, g.sched, func(ctx context.Context) error {
			g.burst(c)
			return nil
		})
		if err := d.Arm(); err != nil {
			g.log.Warn("loadgen.arm_failed", logx.String("class", c.Name), logx.Err(err))
			continue
		}
		g.drivers = append(g.drivers, d)
		g.log.Info("loadgen.started",
			logx.String("class", c.Name),
			logx.Int("burst", c.Burst),
			logx.Duration("work", c.Work),
		)
	}
}

// burst submits one activation's worth of jobs.
func (g *Generator) burst(c Class) {
	for i := 0; i < c.Burst; i++ {
		j := g.sched.NewJob(c.Name, func(ctx context.Context) error { return work(ctx, c.Work) })
		if err := g.sched.Submit(j); err != nil {
			g.rejected.Add(1)
			return
		}
		g.submitted.Add(1)
	}
}

// work holds the runner for d, or until the job deadline.
func work(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop ends every series. Activations already queued still run once.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.drivers {
		d.Stop()
	}
	g.drivers = nil
}

// Submitted reports jobs accepted and rejected by the scheduler.
func (g *Generator) Submitted() (accepted, rejected uint64) {
	return g.submitted.Load(), g.rejected.Load()
}

func (g *Generator) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.drivers)
}
