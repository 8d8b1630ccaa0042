package autoscale

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobqueue/internal/clock"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/runtime/meminfo"
	logx "jobqueue/pkg/logx"
)

type fakePool struct {
	mu      sync.Mutex
	workers int
	ready   int
	maxLag  time.Duration
	hardMax int
	busy    int
	added   []int
	removed []int
}

func (p *fakePool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *fakePool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePool) MaxLag() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLag
}

func (p *fakePool) AvgLag() time.Duration            { return 0 }
func (p *fakePool) MaxActiveDuration() time.Duration { return 0 }

func (p *fakePool) AddWorkers(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n = min(n, p.hardMax-p.workers)
	p.workers += n
	p.added = append(p.added, n)
	return n
}

func (p *fakePool) RemoveIdleWorkers(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n = min(n, p.workers-p.busy)
	p.workers -= n
	p.removed = append(p.removed, n)
	return n
}

func (p *fakePool) set(ready int) {
	p.mu.Lock()
	p.ready = ready
	p.mu.Unlock()
}

func newTestMonitor(pool Pool, bus eventbus.Bus) (*Monitor, *clock.Manual) {
	clk := clock.NewManual(t0)
	m := NewMonitor(testCfg, pool, logx.Nop(), bus,
		WithClock(clk),
		WithIntrospector(meminfo.NewStatic(256<<20, 4<<30, 4)),
	)
	return m, clk
}

func TestMonitorRollsBackOnlyWhatWasAdded(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	// The pool can only grow by two, though the controller asks for four.
	pool := &fakePool{workers: 4, ready: 20, hardMax: 6}
	m, clk := newTestMonitor(pool, bus)

	m.Step()
	clk.Advance(time.Second)
	if d := m.Step(); d.Action != ScaleUp || d.Count != 4 {
		t.Fatalf("step = %v/%d, want scale_up/4", d.Action, d.Count)
	}
	if pool.ActiveWorkers() != 6 {
		t.Fatalf("workers = %d, want 6", pool.ActiveWorkers())
	}

	pool.set(40)
	var d Decision
	for i := 0; i < feedbackChecks; i++ {
		clk.Advance(time.Second)
		d = m.Step()
	}
	if d.Action != Rollback || d.Count != 2 {
		t.Fatalf("feedback = %v/%d, want rollback/2", d.Action, d.Count)
	}
	if pool.ActiveWorkers() != 4 {
		t.Fatalf("workers after rollback = %d, want 4", pool.ActiveWorkers())
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.ScaleUp || types[1] != eventbus.ScaleRollback {
		t.Fatalf("events = %v, want [scale.up scale.rollback]", types)
	}
	if st := m.Status(); st.Failures != 1 || st.Last == nil || st.Last.Action != Rollback {
		t.Fatalf("status = %+v", st)
	}
}

func TestMonitorDropsFeedbackWhenNothingWasAdded(t *testing.T) {
	t.Parallel()

	pool := &fakePool{workers: 4, ready: 20, hardMax: 4}
	m, clk := newTestMonitor(pool, nil)
	m.Step()
	clk.Advance(time.Second)
	m.Step()

	if got := m.Status().State; got != Idle.String() {
		t.Fatalf("state = %s, want idle (no runners were started)", got)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	pool := &fakePool{workers: 4, hardMax: 8}
	cfg := testCfg
	cfg.CheckInterval = 5 * time.Millisecond
	m := NewMonitor(cfg, pool, logx.Nop(), nil, WithIntrospector(meminfo.NewStatic(0, 1<<30, 2)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.Status().Cycles < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never cycled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestMonitorDisabledDoesNothing(t *testing.T) {
	t.Parallel()

	pool := &fakePool{workers: 4, ready: 100, hardMax: 8}
	cfg := testCfg
	cfg.Disabled = true
	cfg.CheckInterval = time.Millisecond
	m := NewMonitor(cfg, pool, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)
	if pool.ActiveWorkers() != 4 || m.Status().Cycles != 0 {
		t.Fatalf("disabled monitor acted: workers=%d cycles=%d", pool.ActiveWorkers(), m.Status().Cycles)
	}
}
