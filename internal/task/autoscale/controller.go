package autoscale

import (
	"fmt"
	"time"

	"jobqueue/internal/runtime/meminfo"
)

// State is the controller's externally visible mode.
type State int

const (
	Idle State = iota
	PendingFeedback
	ExtendedCooldown
	CircuitOpen
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingFeedback:
		return "pending_feedback"
	case ExtendedCooldown:
		return "extended_cooldown"
	case CircuitOpen:
		return "circuit_open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Metrics is one observation of the pool.
type Metrics struct {
	Workers     int
	Ready       int
	MaxLag      time.Duration
	AvgLag      time.Duration
	MaxActive   time.Duration
	Memory      meminfo.Memory
	UnderAttack bool
}

type Action int

const (
	None Action = iota
	ScaleUp
	ScaleDown
	Rollback
	Refused
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	case Rollback:
		return "rollback"
	case Refused:
		return "refused"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is what one Evaluate call wants done to the pool.
type Decision struct {
	Action Action `json:"action"`
	// Count is runners to add (ScaleUp, Refused) or remove (ScaleDown,
	// Rollback).
	Count  int    `json:"count"`
	Reason string `json:"reason"`

	Emergency bool `json:"emergency,omitempty"`
	Critical  bool `json:"critical,omitempty"`
	// Confirmed is set when a pending scale-up passed validation.
	Confirmed     bool `json:"confirmed,omitempty"`
	BreakerOpened bool `json:"breaker_opened,omitempty"`
	BreakerReset  bool `json:"breaker_reset,omitempty"`

	Ceiling int   `json:"ceiling"`
	State   State `json:"-"`
}

// snapshot is the pool as it was right before a provisional scale-up.
type snapshot struct {
	workers int
	ready   int
	maxLag  time.Duration
	avgLag  time.Duration
	used    uint64
	added   int
}

// Controller is the autoscaler's decision logic. It holds no goroutines and
// never touches the pool; Monitor feeds it metrics and applies decisions.
// It is not safe for concurrent use.
type Controller struct {
	cfg Config

	upChecks   int
	downChecks int
	lastScale  time.Time
	extended   bool

	pending *snapshot
	checks  int // cycles since the pending scale-up

	cycles  int
	ceiling int

	brk breaker
}

func NewController(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:     cfg,
		ceiling: cfg.MaxRunners * 2,
		brk:     newBreaker(maxFailedScaleUps, breakerResetAfter),
	}
}

// SetConfig swaps tuning. Counters and pending feedback are kept.
func (c *Controller) SetConfig(cfg Config) {
	c.cfg = cfg.withDefaults()
	c.cycles = 0
}

func (c *Controller) Config() Config { return c.cfg }

// Ceiling is the current upper bound on runners.
func (c *Controller) Ceiling() int { return c.ceiling }

// Failures is the current streak of failed scale-ups.
func (c *Controller) Failures() int { return c.brk.fails }

func (c *Controller) State(now time.Time) State {
	switch {
	case c.brk.isOpen():
		return CircuitOpen
	case c.pending != nil:
		return PendingFeedback
	case c.extended && c.inCooldown(now, false):
		return ExtendedCooldown
	}
	return Idle
}

func (c *Controller) cooldown(attack bool) time.Duration {
	d := c.cfg.Cooldown
	if c.extended {
		return d * extendedFactor
	}
	if attack {
		return d / 2
	}
	return d
}

func (c *Controller) inCooldown(now time.Time, attack bool) bool {
	return !c.lastScale.IsZero() && now.Sub(c.lastScale) < c.cooldown(attack)
}

// ceilingFor caps the pool at twice the configured max and at 10% of the
// memory limit's worth of runners, never below the floor.
func (c *Controller) ceilingFor(mem meminfo.Memory) int {
	limit := c.cfg.MaxRunners * 2
	if mem.Max > 0 {
		limit = min(limit, int(float64(mem.Max)*ramShare/workerMemory))
	}
	return max(c.cfg.MinRunners, limit)
}

// Evaluate runs one control cycle.
func (c *Controller) Evaluate(m Metrics, now time.Time) Decision {
	if c.cycles%ceilingEvery == 0 {
		c.ceiling = c.ceilingFor(m.Memory)
	}
	c.cycles++

	d := c.evaluate(m, now)
	d.Ceiling = c.ceiling
	d.State = c.State(now)
	return d
}

func (c *Controller) evaluate(m Metrics, now time.Time) Decision {
	cfg := c.cfg
	inCooldown := c.inCooldown(now, m.UnderAttack)
	emergency := m.MaxLag > cfg.EmergencyLag || m.MaxActive > cfg.EmergencyActive

	if c.pending != nil && !cfg.FeedbackDisabled && !emergency {
		c.checks++
		if c.checks >= feedbackChecks {
			return c.feedback(m, now)
		}
		return Decision{Reason: "awaiting feedback"}
	}
	if emergency && c.pending != nil {
		c.pending = nil
		c.checks = 0
	}

	if emergency && m.Workers < c.ceiling {
		n := min(emergencyMaxAdd, c.ceiling-m.Workers, int(m.Memory.Headroom()/(workerMemory*headroomFactor)))
		if n > 0 {
			d := c.scaleUp(m, now, n, fmt.Sprintf("emergency: max lag %v, longest active %v", m.MaxLag, m.MaxActive))
			d.Emergency = true
			return d
		}
	}

	var reset bool
	if c.brk.isOpen() {
		if !c.brk.expire(now) {
			d := c.checkScaleDown(m, now, inCooldown)
			if d.Action == None {
				d.Reason = "breaker open until " + c.brk.until().Format(time.RFC3339)
			}
			return d
		}
		c.extended = false
		reset = true
	}

	up, critical, why := false, false, ""
	if !inCooldown && m.Workers < c.ceiling {
		lagT := cfg.ScaleUpLag
		ratio := 0.0
		if m.Workers > 0 {
			ratio = float64(m.Ready) / float64(m.Workers)
		}
		highBacklog := m.Ready > 0 && ratio > cfg.JobsRatio
		highLag := m.MaxLag > lagT
		criticalLag := m.MaxLag > lagT*10
		slowActive := m.MaxActive > lagT*50
		criticalSlow := m.MaxActive > lagT*100

		if highBacklog || highLag || slowActive {
			c.upChecks++
			critical = criticalLag || criticalSlow
			up = c.upChecks >= sustainedChecks || critical
			why = fmt.Sprintf("ready %d over %d runners, max lag %v, longest active %v", m.Ready, m.Workers, m.MaxLag, m.MaxActive)
		} else {
			c.upChecks = 0
		}
	}

	var d Decision
	if up {
		n := min(m.Workers+c.step(m), c.ceiling) - m.Workers
		if n > 0 {
			d = c.scaleUp(m, now, n, why)
			d.Critical = critical
		}
	} else {
		d = c.checkScaleDown(m, now, inCooldown)
	}
	d.BreakerReset = reset
	return d
}

// step sizes a scale-up by how far behind the pool is.
func (c *Controller) step(m Metrics) int {
	step := 1
	if m.UnderAttack {
		step = 2
	}
	lagT := c.cfg.ScaleUpLag
	switch {
	case m.Ready > m.Workers*2:
		step = max(step, m.Workers)
	case m.Ready > m.Workers:
		step = max(step, m.Workers/2)
	case m.MaxLag > lagT*5:
		limit := 4
		if m.UnderAttack {
			limit = 8
		}
		step = max(step, min(limit, int(m.MaxLag/lagT)))
	}
	return step
}

// scaleUp applies the memory governor and, if it passes, opens a provisional
// scale-up awaiting feedback.
func (c *Controller) scaleUp(m Metrics, now time.Time, n int, why string) Decision {
	if pct := m.Memory.UsedPercent(); pct > refuseMemPercent {
		c.lastScale = now
		c.extended = true
		return Decision{Action: Refused, Count: n, Reason: fmt.Sprintf("memory at %.1f%%", pct)}
	}
	if need := uint64(n) * workerMemory * headroomFactor; m.Memory.Headroom() < need {
		c.lastScale = now
		c.extended = true
		return Decision{Action: Refused, Count: n, Reason: fmt.Sprintf("headroom %d below %d needed", m.Memory.Headroom(), need)}
	}

	c.lastScale = now
	c.resetSustained()
	c.checks = 0
	c.extended = false
	c.pending = nil
	if !c.cfg.FeedbackDisabled {
		c.pending = &snapshot{
			workers: m.Workers,
			ready:   m.Ready,
			maxLag:  m.MaxLag,
			avgLag:  m.AvgLag,
			used:    m.Memory.Used,
			added:   n,
		}
	}
	return Decision{Action: ScaleUp, Count: n, Reason: why}
}

// RecordAdded tells the controller how many runners the pool actually
// started for the last ScaleUp, so a rollback removes exactly those.
func (c *Controller) RecordAdded(n int) {
	if c.pending == nil {
		return
	}
	if n <= 0 {
		c.pending = nil
		c.checks = 0
		return
	}
	c.pending.added = n
}

func (c *Controller) feedback(m Metrics, now time.Time) Decision {
	snap := c.pending
	c.pending = nil
	c.checks = 0

	lagRatio, readyRatio := 1.0, 1.0
	if snap.avgLag > 0 {
		lagRatio = float64(m.AvgLag) / float64(snap.avgLag)
	}
	if snap.ready > 0 {
		readyRatio = float64(m.Ready) / float64(snap.ready)
	}
	memCritical := m.Memory.UsedPercent() > criticalMemPercent

	if lagRatio <= lagIncreaseRatio && readyRatio <= readyIncreaseRatio && !memCritical {
		if c.brk.success() {
			c.extended = false
		}
		return Decision{Confirmed: true, Reason: fmt.Sprintf("scale-up of %d held: lag x%.2f, ready x%.2f", snap.added, lagRatio, readyRatio)}
	}

	opened := c.brk.failure(now)
	c.extended = true
	c.lastScale = now
	c.resetSustained()
	return Decision{
		Action:        Rollback,
		Count:         max(0, min(snap.added, m.Workers-c.cfg.MinRunners)),
		BreakerOpened: opened,
		Reason: fmt.Sprintf("scale-up of %d made things worse: lag x%.2f, ready x%.2f, memory %.1f%% (failure %d/%d)",
			snap.added, lagRatio, readyRatio, m.Memory.UsedPercent(), c.brk.fails, maxFailedScaleUps),
	}
}

func (c *Controller) checkScaleDown(m Metrics, now time.Time, inCooldown bool) Decision {
	if inCooldown || m.Workers <= c.cfg.MinRunners {
		return Decision{}
	}
	t := c.cfg.ScaleDownLag
	if m.Ready >= m.Workers || m.MaxLag > t || m.AvgLag > t {
		c.downChecks = 0
		return Decision{}
	}
	c.downChecks++
	if c.downChecks < sustainedChecks*2 {
		return Decision{}
	}
	n := min(scaleDownStep, m.Workers-c.cfg.MinRunners)
	c.lastScale = now
	c.resetSustained()
	c.pending = nil
	c.checks = 0
	return Decision{Action: ScaleDown, Count: n, Reason: fmt.Sprintf("idle: ready %d, %d runners", m.Ready, m.Workers)}
}

func (c *Controller) resetSustained() {
	c.upChecks = 0
	c.downChecks = 0
}
