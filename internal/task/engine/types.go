package engine

import (
	"strings"
	"time"

	"jobqueue/internal/task/job"
)

// Config controls admission, drop policy, latency alarms and pool bounds.
//
// Zero fields get defaults (see withDefaults). The app layer maps the
// "scheduler" config section into this struct.
type Config struct {
	// MaxWaitingJobs is the ready-queue length at which droppable classes
	// start being discarded (doubled while under attack). <0 disables drops.
	MaxWaitingJobs int
	// MinLagToDrop is the head-of-line lag required before dropping.
	MinLagToDrop time.Duration
	// DroppableClasses lists the job classes that may be dropped.
	DroppableClasses []string

	LagWarning time.Duration
	LagFatal   time.Duration
	RunWarning time.Duration
	RunFatal   time.Duration
	// Warmup suppresses fatal-level lag/run alarms right after start.
	Warmup time.Duration

	// FarFuture flags jobs scheduled implausibly far ahead.
	FarFuture time.Duration
	// JobTimeout bounds the context handed to Job.Run. Jobs are never
	// interrupted; the deadline is advisory. 0 disables it.
	JobTimeout time.Duration
	// StuckAfter marks a running job as stuck in Status.
	StuckAfter time.Duration

	MaxRunners int
	MinRunners int
	// SlowHost lowers default runners/waiting and relaxes pump clamping.
	SlowHost bool

	// FinishedHistory is how many finished jobs Status keeps.
	FinishedHistory int
}

// DefaultDroppableClasses are maintenance jobs whose loss only delays
// housekeeping: tunnel tests, peer tests and exploratory lookups.
var DefaultDroppableClasses = []string{"tunnel.test", "peer.test", "netdb.explore"}

// DefaultRunners mirrors the router's sizing: twice the cores, at least
// 24, at most 32; slow hosts get 16.
func DefaultRunners(cores int, slow bool) int {
	if slow {
		return 16
	}
	return min(32, max(cores*2, 24))
}

func (c Config) withDefaults(cores int) Config {
	if cores <= 0 {
		cores = 1
	}
	if c.MaxWaitingJobs == 0 {
		c.MaxWaitingJobs = 192
		if c.SlowHost {
			c.MaxWaitingJobs = 128
		}
	}
	if c.MinLagToDrop <= 0 {
		c.MinLagToDrop = 2 * time.Second
	}
	if c.DroppableClasses == nil {
		c.DroppableClasses = DefaultDroppableClasses
	}
	if c.LagWarning <= 0 {
		c.LagWarning = 15 * time.Second
	}
	if c.LagFatal <= 0 {
		c.LagFatal = 60 * time.Second
	}
	if c.RunWarning <= 0 {
		c.RunWarning = 10 * time.Second
	}
	if c.RunFatal <= 0 {
		c.RunFatal = 30 * time.Second
	}
	if c.Warmup <= 0 {
		c.Warmup = 5 * time.Minute
	}
	if c.FarFuture <= 0 {
		c.FarFuture = 3 * 24 * time.Hour
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 90 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 90 * time.Second
	}
	if c.MaxRunners <= 0 {
		c.MaxRunners = DefaultRunners(cores, c.SlowHost)
	}
	if c.MinRunners <= 0 {
		c.MinRunners = max(4, cores)
	}
	if c.MinRunners > c.MaxRunners {
		c.MinRunners = c.MaxRunners
	}
	if c.FinishedHistory <= 0 {
		c.FinishedHistory = 32
	}
	return c
}

// HardMaxRunners is the absolute pool ceiling: twice the configured max.
func (c Config) HardMaxRunners() int { return c.MaxRunners * 2 }

func (c Config) droppable(class string) bool {
	for _, d := range c.DroppableClasses {
		if strings.EqualFold(strings.TrimSpace(d), class) {
			return true
		}
	}
	return false
}

// Next is what GetNext hands a worker: either a job or the shutdown
// sentinel. Check Shutdown first; Job is nil for the sentinel.
type Next struct {
	job      job.Job
	shutdown bool
}

func (n Next) Shutdown() bool { return n.shutdown }
func (n Next) Job() job.Job   { return n.job }

var shutdownNext = Next{shutdown: true}

// JobInfo describes one job in a Status snapshot.
type JobInfo struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	StartAfter time.Time     `json:"start_after"`
	Lag        time.Duration `json:"lag,omitempty"`
	Runtime    time.Duration `json:"runtime,omitempty"`
	Worker     int           `json:"worker,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// WorkerInfo describes one runner in a Status snapshot.
type WorkerInfo struct {
	ID      int           `json:"id"`
	Busy    bool          `json:"busy"`
	Runs    uint64        `json:"runs"`
	LastJob string        `json:"last_job,omitempty"`
	LastRun time.Duration `json:"last_run,omitempty"`
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	Alive      bool          `json:"alive"`
	Parallel   bool          `json:"parallel"`
	Uptime     time.Duration `json:"uptime"`
	Runners    int           `json:"runners"`
	Busy       int           `json:"busy"`
	Stuck      int           `json:"stuck"`
	ReadyCount int           `json:"ready_count"`
	TimedCount int           `json:"timed_count"`
	MaxWaiting int           `json:"max_waiting"`
	MaxLag     time.Duration `json:"max_lag"`
	AvgLag     time.Duration `json:"avg_lag"`
	PeakLag    time.Duration `json:"peak_lag"`
	MaxActive  time.Duration `json:"max_active"`

	Workers      []WorkerInfo `json:"workers"`
	Ready        []JobInfo    `json:"ready"`
	Timed        []JobInfo    `json:"timed"`
	Active       []JobInfo    `json:"active"`
	JustFinished []JobInfo    `json:"just_finished"`
}
