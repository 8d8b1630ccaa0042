package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"jobqueue/internal/clock"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/runtime/meminfo"
	"jobqueue/internal/task/job"
	"jobqueue/internal/task/stats"
	logx "jobqueue/pkg/logx"

	rtsup "jobqueue/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Scheduler admits jobs, holds them until they are due, and feeds a pool of
// workers. Structural changes to the ready queue and timed set happen under
// jobMu; the ready queue additionally supports blocking pops on its own lock.
type Scheduler struct {
	cfgMu sync.Mutex
	cfg   Config

	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	metrics Metrics
	attack  AttackSignal
	rt      meminfo.Introspector

	onEmergency   func(err error)
	emergencyOnce sync.Once

	ids   job.Sequence
	stats *stats.Registry

	jobMu       sync.Mutex
	ready       *readyQueue
	timed       timedSet
	nextPumpRun int64 // unix nanos; guarded by jobMu
	wake        chan struct{}

	alive     atomic.Bool
	parallel  atomic.Bool
	startedAt atomic.Int64

	poolMu   sync.Mutex
	workers  map[int]*worker
	sup      *rtsup.Supervisor
	spawned  atomic.Uint64

	peakLag     atomic.Int64
	peakResetAt atomic.Int64

	finMu    sync.Mutex
	finished []JobInfo

	unsubShift func()

	dropWarn   *logx.Throttle
	futureWarn *logx.Throttle
	lagWarn    *logx.Throttle
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:        log,
		bus:        bus,
		clk:        clock.NewSystem(),
		metrics:    nopMetrics{},
		rt:         meminfo.NewRuntime(),
		stats:      stats.NewRegistry(),
		ready:      newReadyQueue(),
		timed:      newTimedSet(),
		wake:       make(chan struct{}, 1),
		workers:    map[int]*worker{},
		dropWarn:   logx.NewThrottle(warnThrottleEvery, 1),
		futureWarn: logx.NewThrottle(warnThrottleEvery, 1),
		lagWarn:    logx.NewThrottle(warnThrottleEvery, 3),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.cfg = cfg.withDefaults(s.rt.Cores())
	return s
}

// Config returns the effective configuration (defaults applied).
func (s *Scheduler) Config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// Apply swaps tuning at runtime. The pool is never shrunk here.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults(s.rt.Cores())
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.log.Info("scheduler config applied",
		logx.Int("max_waiting", cfg.MaxWaitingJobs),
		logx.Int("max_runners", cfg.MaxRunners),
		logx.Int("min_runners", cfg.MinRunners),
		logx.Duration("min_lag_to_drop", cfg.MinLagToDrop),
	)
}

// Now is the scheduler's clock. It lets recurring jobs re-arm themselves.
func (s *Scheduler) Now() time.Time { return s.clk.Now() }

// NextID hands out a job id unique to this scheduler.
func (s *Scheduler) NextID() uint64 { return s.ids.Next() }

// NewJob is a convenience for function jobs.
func (s *Scheduler) NewJob(class string, fn func(ctx context.Context) error) *job.Func {
	return job.NewFunc(s.ids.Next(), class, fn)
}

func (s *Scheduler) Stats() *stats.Registry { return s.stats }

func (s *Scheduler) Alive() bool { return s.alive.Load() }

// Supervisor returns the scheduler's supervisor (nil if not started).
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	return s.sup
}

// Start launches the pump and a single startup runner. Call
// AllowParallelOperation once startup is complete.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.alive.CompareAndSwap(false, true) {
		return
	}
	s.startedAt.Store(s.clk.Now().UnixNano())
	s.peakResetAt.Store(s.clk.Now().UnixNano())

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler.sup"))),
		// A crashed pump restarts; it must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.poolMu.Lock()
	s.sup = sup
	s.poolMu.Unlock()

	s.unsubShift = s.clk.OnShift(s.onClockShift)

	sup.GoRestart("pump", func(c context.Context) error {
		s.pump(c)
		if c.Err() != nil || !s.alive.Load() {
			return context.Canceled
		}
		return errors.New("pump exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(50*time.Millisecond, 2*time.Second),
	)

	s.RunQueue(1)
	cfg := s.Config()
	s.log.Info("scheduler started",
		logx.Int("max_runners", cfg.MaxRunners),
		logx.Int("max_waiting", cfg.MaxWaitingJobs),
		logx.Any("droppable", cfg.DroppableClasses),
	)
}

// Shutdown clears both queues, sends one sentinel per active worker and
// stops the pump. Running jobs finish normally.
func (s *Scheduler) Shutdown() {
	if !s.alive.CompareAndSwap(true, false) {
		return
	}
	if s.unsubShift != nil {
		s.unsubShift()
	}

	s.jobMu.Lock()
	nTimed := s.timed.clear()
	nReady := s.ready.clear()
	s.jobMu.Unlock()

	s.poolMu.Lock()
	n := len(s.workers)
	s.workers = map[int]*worker{}
	s.poolMu.Unlock()

	for i := 0; i < n; i++ {
		s.ready.pushShutdown()
	}
	s.wakePump()
	s.metrics.Runners(0)
	s.log.Info("scheduler shutdown",
		logx.Int("runners", n),
		logx.Int("discarded_ready", nReady),
		logx.Int("discarded_timed", nTimed),
	)
}

// Stop shuts down and waits for the pump and workers to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.Shutdown()
	sup := s.Supervisor()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Submit admits j. A job already in the ready queue is left alone; a job in
// the timed set is rescheduled. Under overload a droppable job is discarded
// and its Dropped hook runs before Submit returns.
func (s *Scheduler) Submit(j job.Job) error {
	if j == nil {
		return ErrNilJob
	}
	cfg := s.Config()
	now := s.clk.Now()
	id := j.ID()
	start := j.Timing().StartAfter()

	var (
		drop    bool
		wake    bool
		readyN  int
		headLag time.Duration
	)

	s.jobMu.Lock()
	if !s.alive.Load() {
		s.jobMu.Unlock()
		return ErrStopped
	}
	if s.ready.contains(id) {
		s.jobMu.Unlock()
		return nil
	}
	s.timed.remove(id)

	readyN = s.ready.len()
	drop, headLag = s.shouldDrop(cfg, j, readyN, now)
	switch {
	case drop:
	case !start.After(now):
		t := j.Timing()
		t.SetStartAfter(now)
		t.MarkReady(now)
		s.ready.push(j)
	default:
		s.timed.push(j, start)
		wake = start.UnixNano() < s.nextPumpRun
	}
	s.jobMu.Unlock()

	if drop {
		s.dropJob(j, readyN, headLag, now)
		return nil
	}
	if wake {
		s.wakePump()
	}
	if start.Sub(now) > cfg.FarFuture {
		if n, ok := s.futureWarn.Allow(); ok {
			s.log.Warn("job scheduled implausibly far ahead",
				logx.String("class", j.Name()),
				logx.Uint64("id", id),
				logx.Duration("in", start.Sub(now)),
				logx.Uint64("suppressed", n),
			)
		}
	}
	return nil
}

// shouldDrop must be called with jobMu held.
func (s *Scheduler) shouldDrop(cfg Config, j job.Job, readyN int, now time.Time) (bool, time.Duration) {
	if cfg.MaxWaitingJobs < 0 || !s.parallel.Load() {
		return false, 0
	}
	if readyN < s.maxWaiting(cfg) {
		return false, 0
	}
	if !cfg.droppable(j.Name()) {
		return false, 0
	}
	lag := s.headLag(now)
	return lag > cfg.MinLagToDrop, lag
}

func (s *Scheduler) maxWaiting(cfg Config) int {
	if s.attack != nil && s.attack.UnderAttack() {
		return cfg.MaxWaitingJobs * 2
	}
	return cfg.MaxWaitingJobs
}

func (s *Scheduler) dropJob(j job.Job, readyN int, lag time.Duration, now time.Time) {
	j.Dropped()
	cls := s.stats.For(j.Name())
	cls.RecordDrop()
	s.metrics.JobDropped(j.Name())

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobDropped, Time: now, Data: JobInfo{ID: j.ID(), Name: j.Name(), StartAfter: j.Timing().StartAfter(), Lag: lag}})
	}
	if n, ok := s.dropWarn.Allow(); ok {
		s.log.Warn("job dropped: overload",
			logx.String("class", j.Name()),
			logx.Uint64("id", j.ID()),
			logx.Int("ready", readyN),
			logx.Duration("head_lag", lag),
			logx.Uint64("class_dropped", cls.Dropped()),
			logx.Uint64("suppressed", n),
		)
	}
}

// Remove takes j out of whichever queue holds it. A job already picked up by
// a worker runs to completion.
func (s *Scheduler) Remove(j job.Job) bool {
	if j == nil {
		return false
	}
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.timed.remove(j.ID()) {
		return true
	}
	return s.ready.remove(j.ID())
}

// GetNext blocks until a job is ready. It returns the shutdown sentinel on
// Shutdown, when ctx ends, or when quit is closed.
func (s *Scheduler) GetNext(ctx context.Context, quit <-chan struct{}) Next {
	n, ok := s.ready.pop(ctx, quit, nil)
	if !ok {
		return shutdownNext
	}
	return n
}

// next is GetNext for a runner: the popped job is marked as w's current job
// before it leaves the queue, so w is never idle while holding a job.
func (s *Scheduler) next(ctx context.Context, w *worker) Next {
	n, ok := s.ready.pop(ctx, w.quit, func(j job.Job) bool {
		return w.claim(j, s.clk.Now())
	})
	if !ok {
		return shutdownNext
	}
	return n
}

func (s *Scheduler) ReadyCount() int { return s.ready.len() }

func (s *Scheduler) TimedCount() int {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.timed.len()
}

// MaxWaitingJobs is the current drop threshold (doubled under attack).
func (s *Scheduler) MaxWaitingJobs() int { return s.maxWaiting(s.Config()) }

func (s *Scheduler) headLag(now time.Time) time.Duration {
	h := s.ready.head()
	if h == nil {
		return 0
	}
	if lag := now.Sub(h.Timing().StartAfter()); lag > 0 {
		return lag
	}
	return 0
}

// MaxLag is how long the oldest ready job has been waiting past its start.
func (s *Scheduler) MaxLag() time.Duration { return s.headLag(s.clk.Now()) }

// AvgLag averages lag over ready jobs that are actually late.
func (s *Scheduler) AvgLag() time.Duration {
	now := s.clk.Now()
	var total time.Duration
	n := 0
	s.ready.each(func(j job.Job) {
		if lag := now.Sub(j.Timing().StartAfter()); lag > 0 {
			total += lag
			n++
		}
	})
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// PeakLag is the worst lag observed by non-droppable classes in the current
// 60s period.
func (s *Scheduler) PeakLag() time.Duration { return time.Duration(s.peakLag.Load()) }

func (s *Scheduler) uptime(now time.Time) time.Duration {
	st := s.startedAt.Load()
	if st == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, st))
}

func (s *Scheduler) onClockShift(delta time.Duration) {
	if delta < 0 {
		s.shiftTimings(delta)
	}
	s.wakePump()
}

// shiftTimings rebases every pending and running job after the clock moved.
func (s *Scheduler) shiftTimings(delta time.Duration) {
	s.jobMu.Lock()
	s.timed.shift(delta)
	s.ready.each(func(j job.Job) { j.Timing().Shift(delta) })
	s.jobMu.Unlock()

	s.poolMu.Lock()
	for _, w := range s.workers {
		if j := w.current(); j != nil {
			j.Timing().Shift(delta)
		}
	}
	s.poolMu.Unlock()
	s.stats.Shift(delta)

	s.log.Info("clock moved backward; job timings shifted", logx.Duration("delta", delta))
}

// emergency reacts to resource exhaustion exactly once.
func (s *Scheduler) emergency(w *worker, j job.Job, err error) {
	s.emergencyOnce.Do(func() {
		s.log.Error("resource exhaustion; emergency shutdown",
			logx.Int("worker", w.id),
			logx.String("class", j.Name()),
			logx.Uint64("id", j.ID()),
			logx.Err(err),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EmergencyShutdown, Time: s.clk.Now(), Data: JobInfo{ID: j.ID(), Name: j.Name(), Worker: w.id, Error: err.Error()}})
		}
		if s.onEmergency != nil {
			s.onEmergency(err)
			return
		}
		go s.Shutdown()
	})
}
