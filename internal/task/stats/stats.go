// Package stats keeps per job-class execution counters.
//
// Counters are updated concurrently by every worker. Lifetime aggregates are
// plain atomics; the trailing window is a fixed ring of recent samples so it
// stays independent of how long the process has been running.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	ringSize = 1000
	// Window is the span covered by Snapshot.Recent.
	Window = 60 * time.Second
)

// Sample is one finished run.
type Sample struct {
	At  time.Time
	Run time.Duration
	Lag time.Duration
}

// Class aggregates runs of one job class.
type Class struct {
	name string

	runs    atomic.Uint64
	dropped atomic.Uint64

	totalRun atomic.Int64
	minRun   atomic.Int64
	maxRun   atomic.Int64
	totalLag atomic.Int64
	minLag   atomic.Int64
	maxLag   atomic.Int64

	mu   sync.Mutex
	ring [ringSize]Sample
	next int
	full bool
}

func newClass(name string) *Class {
	c := &Class{name: name}
	c.minRun.Store(-1)
	c.minLag.Store(-1)
	return c
}

func (c *Class) Name() string { return c.name }

// Record adds one finished run.
func (c *Class) Record(at time.Time, lag, run time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if run < 0 {
		run = 0
	}
	c.runs.Add(1)
	c.totalRun.Add(int64(run))
	c.totalLag.Add(int64(lag))
	storeMin(&c.minRun, int64(run))
	storeMax(&c.maxRun, int64(run))
	storeMin(&c.minLag, int64(lag))
	storeMax(&c.maxLag, int64(lag))

	c.mu.Lock()
	c.ring[c.next] = Sample{At: at, Run: run, Lag: lag}
	c.next++
	if c.next == ringSize {
		c.next = 0
		c.full = true
	}
	c.mu.Unlock()
}

// RecordDrop counts one job discarded before execution.
func (c *Class) RecordDrop() { c.dropped.Add(1) }

func (c *Class) Runs() uint64    { return c.runs.Load() }
func (c *Class) Dropped() uint64 { return c.dropped.Load() }

// Shift moves every sample by delta, after the wall clock was stepped.
func (c *Class) Shift(delta time.Duration) {
	c.mu.Lock()
	for i := range c.ring {
		if !c.ring[i].At.IsZero() {
			c.ring[i].At = c.ring[i].At.Add(delta)
		}
	}
	c.mu.Unlock()
}

// Recent summarizes samples newer than now-Window. A sample stamped after
// now was recorded before the clock stepped back and counts as current.
func (c *Class) Recent(now time.Time) Recent {
	cutoff := now.Add(-Window)
	var r Recent
	var totalRun, totalLag time.Duration

	c.mu.Lock()
	n := c.next
	if c.full {
		n = ringSize
	}
	for i := 0; i < n; i++ {
		s := c.ring[i]
		if s.At.Before(cutoff) {
			continue
		}
		r.Runs++
		totalRun += s.Run
		totalLag += s.Lag
		if s.Run > r.MaxRun {
			r.MaxRun = s.Run
		}
		if s.Lag > r.MaxLag {
			r.MaxLag = s.Lag
		}
	}
	c.mu.Unlock()

	if r.Runs > 0 {
		r.AvgRun = totalRun / time.Duration(r.Runs)
		r.AvgLag = totalLag / time.Duration(r.Runs)
	}
	return r
}

// Snapshot is a point-in-time copy of a class's counters.
type Snapshot struct {
	Name     string        `json:"name"`
	Runs     uint64        `json:"runs"`
	Dropped  uint64        `json:"dropped"`
	TotalRun time.Duration `json:"total_run"`
	MinRun   time.Duration `json:"min_run"`
	MaxRun   time.Duration `json:"max_run"`
	AvgRun   time.Duration `json:"avg_run"`
	TotalLag time.Duration `json:"total_lag"`
	MinLag   time.Duration `json:"min_lag"`
	MaxLag   time.Duration `json:"max_lag"`
	AvgLag   time.Duration `json:"avg_lag"`
	Recent   Recent        `json:"recent"`
}

// Recent is the trailing-window view.
type Recent struct {
	Runs   int           `json:"runs"`
	AvgRun time.Duration `json:"avg_run"`
	MaxRun time.Duration `json:"max_run"`
	AvgLag time.Duration `json:"avg_lag"`
	MaxLag time.Duration `json:"max_lag"`
}

func (c *Class) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Name:     c.name,
		Runs:     c.runs.Load(),
		Dropped:  c.dropped.Load(),
		TotalRun: time.Duration(c.totalRun.Load()),
		MaxRun:   time.Duration(c.maxRun.Load()),
		TotalLag: time.Duration(c.totalLag.Load()),
		MaxLag:   time.Duration(c.maxLag.Load()),
		Recent:   c.Recent(now),
	}
	if v := c.minRun.Load(); v > 0 {
		s.MinRun = time.Duration(v)
	}
	if v := c.minLag.Load(); v > 0 {
		s.MinLag = time.Duration(v)
	}
	if s.Runs > 0 {
		s.AvgRun = s.TotalRun / time.Duration(s.Runs)
		s.AvgLag = s.TotalLag / time.Duration(s.Runs)
	}
	return s
}

func storeMin(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if cur >= 0 && cur <= n {
			return
		}
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if cur >= n {
			return
		}
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Registry maps class names to their counters.
type Registry struct {
	classes sync.Map // string -> *Class
}

func NewRegistry() *Registry { return &Registry{} }

// For returns the class for name, creating it on first use.
func (r *Registry) For(name string) *Class {
	if v, ok := r.classes.Load(name); ok {
		return v.(*Class)
	}
	v, _ := r.classes.LoadOrStore(name, newClass(name))
	return v.(*Class)
}

// Lookup returns the class for name if any run or drop was recorded.
func (r *Registry) Lookup(name string) (*Class, bool) {
	v, ok := r.classes.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Class), true
}

// Snapshot returns every class sorted by name.
func (r *Registry) Snapshot(now time.Time) []Snapshot {
	out := make([]Snapshot, 0, 32)
	r.classes.Range(func(_, v any) bool {
		out = append(out, v.(*Class).Snapshot(now))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shift rebases the recent samples of every class.
func (r *Registry) Shift(delta time.Duration) {
	r.classes.Range(func(_, v any) bool {
		v.(*Class).Shift(delta)
		return true
	})
}
