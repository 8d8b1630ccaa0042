package autoscale

import "time"

const (
	// workerMemory is the estimated footprint of one runner (stack plus
	// per-job scratch). Scale-ups need three times this per runner in
	// headroom.
	workerMemory = 2 << 20

	feedbackChecks     = 3
	maxFailedScaleUps  = 5
	lagIncreaseRatio   = 1.5
	readyIncreaseRatio = 1.1
	criticalMemPercent = 75
	refuseMemPercent   = 70
	headroomFactor     = 3
	extendedFactor     = 3
	breakerResetAfter  = 3 * time.Minute
	sustainedChecks    = 2
	scaleDownStep      = 1
	emergencyMaxAdd    = 4
	ceilingEvery       = 10
	ramShare           = 0.10
)

// Config tunes the controller. Zero fields get defaults.
type Config struct {
	// Disabled turns the monitor into a no-op; the pool stays at whatever
	// size the scheduler gave it.
	Disabled bool

	CheckInterval       time.Duration
	AttackCheckInterval time.Duration
	Cooldown            time.Duration

	// ScaleUpLag is the max-lag threshold that counts as "behind". The
	// critical and slow-job multiples are derived from it.
	ScaleUpLag time.Duration
	// ScaleDownLag is the lag at or below which the pool may shrink.
	ScaleDownLag time.Duration
	// JobsRatio is the ready-per-runner backlog trigger.
	JobsRatio float64

	// EmergencyLag and EmergencyActive trigger immediate growth that
	// bypasses cooldown, feedback and the breaker.
	EmergencyLag    time.Duration
	EmergencyActive time.Duration

	// FeedbackDisabled skips post-scale validation and rollback.
	FeedbackDisabled bool

	MinRunners int
	MaxRunners int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.AttackCheckInterval <= 0 {
		c.AttackCheckInterval = 500 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.ScaleUpLag <= 0 {
		c.ScaleUpLag = time.Millisecond
	}
	if c.ScaleDownLag < 0 {
		c.ScaleDownLag = 0
	}
	if c.JobsRatio <= 0 {
		c.JobsRatio = 1.2
	}
	if c.EmergencyLag <= 0 {
		c.EmergencyLag = 5 * time.Millisecond
	}
	if c.EmergencyActive <= 0 {
		c.EmergencyActive = c.EmergencyLag
	}
	if c.MinRunners <= 0 {
		c.MinRunners = 4
	}
	if c.MaxRunners < c.MinRunners {
		c.MaxRunners = c.MinRunners
	}
	return c
}

func (c Config) interval(attack bool) time.Duration {
	if attack {
		return c.AttackCheckInterval
	}
	return c.CheckInterval
}
