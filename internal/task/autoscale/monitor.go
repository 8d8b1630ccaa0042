package autoscale

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"jobqueue/internal/clock"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/runtime/meminfo"
	logx "jobqueue/pkg/logx"
)

// Pool is the part of the scheduler the autoscaler observes and resizes.
type Pool interface {
	ActiveWorkers() int
	ReadyCount() int
	MaxLag() time.Duration
	AvgLag() time.Duration
	MaxActiveDuration() time.Duration
	AddWorkers(n int) int
	RemoveIdleWorkers(n int) int
}

type AttackSignal interface {
	UnderAttack() bool
}

// Recorder receives autoscaler measurements (implemented by the metrics
// exporter).
type Recorder interface {
	ScaleAction(action string, n int)
	Ceiling(n int)
	ControllerState(state string)
	MemoryUsed(percent float64)
}

type nopRecorder struct{}

func (nopRecorder) ScaleAction(string, int) {}
func (nopRecorder) Ceiling(int) {}
func (nopRecorder) ControllerState(string) {}
func (nopRecorder) MemoryUsed(float64) {}

// Event is the payload of every scale.* bus event.
type Event struct {
	Action   string    `json:"action"`
	Count    int       `json:"count"`
	Applied  int       `json:"applied"`
	Workers  int       `json:"workers"`
	Ready    int       `json:"ready"`
	MaxLag   int64     `json:"max_lag_ns"`
	AvgLag   int64     `json:"avg_lag_ns"`
	Ceiling  int       `json:"ceiling"`
	Failures int       `json:"failures"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Status is the monitor's diagnostic view.
type Status struct {
	Enabled  bool      `json:"enabled"`
	State    string    `json:"state"`
	Ceiling  int       `json:"ceiling"`
	Failures int       `json:"failures"`
	Cycles   uint64    `json:"cycles"`
	Last     *Decision `json:"last,omitempty"`
	LastAt   time.Time `json:"last_at,omitempty"`
}

// Monitor runs the control loop: gather, evaluate, apply.
type Monitor struct {
	mu   sync.Mutex
	ctrl *Controller

	pool   Pool
	rt     meminfo.Introspector
	attack AttackSignal
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	rec    Recorder

	cycles uint64
	last   *Decision
	lastAt time.Time
}

type Option func(*Monitor)

func WithIntrospector(rt meminfo.Introspector) Option {
	return func(m *Monitor) {
		if rt != nil {
			m.rt = rt
		}
	}
}

func WithAttackSignal(a AttackSignal) Option { return func(m *Monitor) { m.attack = a } }

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clk = c
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Monitor) {
		if r != nil {
			m.rec = r
		}
	}
}

func NewMonitor(cfg Config, pool Pool, log logx.Logger, bus eventbus.Bus, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		ctrl: NewController(cfg),
		pool: pool,
		rt:   meminfo.NewRuntime(),
		clk:  clock.NewSystem(),
		log:  log,
		bus:  bus,
		rec:  nopRecorder{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.ctrl.SetConfig(cfg)
	cfg = m.ctrl.Config()
	m.mu.Unlock()
	m.log.Info("autoscale config applied",
		logx.Bool("enabled", !cfg.Disabled),
		logx.Int("min_runners", cfg.MinRunners),
		logx.Int("max_runners", cfg.MaxRunners),
		logx.Duration("scale_up_lag", cfg.ScaleUpLag),
		logx.Duration("cooldown", cfg.Cooldown),
	)
}

func (m *Monitor) underAttack() bool { return m.attack != nil && m.attack.UnderAttack() }

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl.Config().interval(m.underAttack())
}

func (m *Monitor) enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.ctrl.Config().Disabled
}

// Run blocks until ctx ends. The first check waits two intervals so the
// queue can settle after startup.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("autoscaler started")
	defer m.log.Info("autoscaler stopped")

	t := time.NewTimer(2 * m.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if m.enabled() {
			m.Step()
		}
		t.Reset(m.interval())
	}
}

func (m *Monitor) gather() Metrics {
	return Metrics{
		Workers:     m.pool.ActiveWorkers(),
		Ready:       m.pool.ReadyCount(),
		MaxLag:      m.pool.MaxLag(),
		AvgLag:      m.pool.AvgLag(),
		MaxActive:   m.pool.MaxActiveDuration(),
		Memory:      m.rt.Memory(),
		UnderAttack: m.underAttack(),
	}
}

// Step runs a single cycle and returns the decision it applied.
func (m *Monitor) Step() Decision {
	met := m.gather()
	now := m.clk.Now()

	m.mu.Lock()
	d := m.ctrl.Evaluate(met, now)
	applied := m.apply(d)
	if d.Action == ScaleUp {
		m.ctrl.RecordAdded(applied)
	}
	failures := m.ctrl.Failures()
	m.cycles++
	if d.Action != None || d.Confirmed || d.BreakerReset {
		dc := d
		m.last, m.lastAt = &dc, now
	}
	m.mu.Unlock()

	m.rec.Ceiling(d.Ceiling)
	m.rec.ControllerState(d.State.String())
	m.rec.MemoryUsed(met.Memory.UsedPercent())
	m.report(d, met, applied, failures, now)
	return d
}

func (m *Monitor) apply(d Decision) int {
	switch d.Action {
	case ScaleUp:
		return m.pool.AddWorkers(d.Count)
	case ScaleDown, Rollback:
		if d.Count > 0 {
			return m.pool.RemoveIdleWorkers(d.Count)
		}
	}
	return 0
}

func (m *Monitor) report(d Decision, met Metrics, applied, failures int, now time.Time) {
	ev := Event{
		Action:   d.Action.String(),
		Count:    d.Count,
		Applied:  applied,
		Workers:  met.Workers,
		Ready:    met.Ready,
		MaxLag:   int64(met.MaxLag),
		AvgLag:   int64(met.AvgLag),
		Ceiling:  d.Ceiling,
		Failures: failures,
		Reason:   d.Reason,
		At:       now,
	}
	fields := []logx.Field{
		logx.Int("count", d.Count),
		logx.Int("applied", applied),
		logx.Int("workers", met.Workers),
		logx.Int("ready", met.Ready),
		logx.Duration("max_lag", met.MaxLag),
		logx.Duration("avg_lag", met.AvgLag),
		logx.Int("ceiling", d.Ceiling),
		logx.String("reason", d.Reason),
	}

	switch d.Action {
	case ScaleUp:
		m.log.Info("scale.up", append(fields, logx.Bool("emergency", d.Emergency), logx.Bool("critical", d.Critical))...)
		m.publish(eventbus.ScaleUp, ev)
	case ScaleDown:
		m.log.Info("scale.down", fields...)
		m.publish(eventbus.ScaleDown, ev)
	case Rollback:
		m.log.Warn("scale.rollback", append(fields, logx.Int("failures", failures))...)
		m.publish(eventbus.ScaleRollback, ev)
	case Refused:
		mem := met.Memory
		m.log.Warn("scale.refused", append(fields,
			logx.String("mem_used", humanize.IBytes(mem.Used)),
			logx.String("mem_max", humanize.IBytes(mem.Max)),
			logx.String("headroom", humanize.IBytes(mem.Headroom())),
		)...)
		m.publish(eventbus.ScaleRefused, ev)
	}
	if d.Action != None {
		m.rec.ScaleAction(d.Action.String(), applied)
	}
	if d.Confirmed {
		m.log.Debug("scale.confirmed", logx.String("reason", d.Reason))
	}
	if d.BreakerOpened {
		m.log.Error("scale.breaker_open: scaling up disabled",
			logx.Int("failures", failures),
			logx.Duration("reset_after", breakerResetAfter),
		)
		m.publish(eventbus.ScaleBreakerOpen, ev)
	}
	if d.BreakerReset {
		m.log.Info("scale.breaker_reset")
		m.publish(eventbus.ScaleBreakerReset, ev)
	}
}

func (m *Monitor) publish(typ string, ev Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	return Status{
		Enabled:  !m.ctrl.Config().Disabled,
		State:    m.ctrl.State(now).String(),
		Ceiling:  m.ctrl.Ceiling(),
		Failures: m.ctrl.Failures(),
		Cycles:   m.cycles,
		Last:     m.last,
		LastAt:   m.lastAt,
	}
}
