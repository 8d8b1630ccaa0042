package engine

import (
	"sort"
	"time"

	"jobqueue/internal/task/job"
	logx "jobqueue/pkg/logx"
)

const (
	peakLagPeriod = 60 * time.Second
	statusListCap = 100
)

// UpdateStats records one finished run of j that started lag after it was
// due and ran for run: per-class stats, metrics, peak lag and latency
// alarms. It only logs; nothing here stops the scheduler.
func (s *Scheduler) UpdateStats(j job.Job, lag, run time.Duration) {
	cfg := s.Config()
	now := s.clk.Now()
	name := j.Name()
	if lag < 0 {
		lag = 0
	}
	if run < 0 {
		run = 0
	}

	s.stats.For(name).Record(now, lag, run)
	s.metrics.JobFinished(name, lag, run)

	critical := !cfg.droppable(name)
	if critical {
		s.notePeakLag(now, lag)
	}

	warm := s.uptime(now) > cfg.Warmup
	switch {
	case warm && lag > cfg.LagFatal:
		s.alarm(true, "job lag critical; check host load", name, lag, run)
	case warm && run > cfg.RunFatal:
		s.alarm(true, "job ran far too long; host overloaded or job faulty", name, lag, run)
	case critical && lag > cfg.LagWarning:
		s.alarm(false, "job lag high", name, lag, run)
	case run > cfg.RunWarning:
		s.alarm(false, "job ran long", name, lag, run)
	}
}

func (s *Scheduler) alarm(fatal bool, msg, class string, lag, run time.Duration) {
	n, ok := s.lagWarn.Allow()
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("class", class),
		logx.Duration("lag", lag),
		logx.Duration("run", run),
		logx.Uint64("suppressed", n),
	}
	if fatal {
		s.log.Error(msg, fields...)
		return
	}
	s.log.Warn(msg, fields...)
}

func (s *Scheduler) notePeakLag(now time.Time, lag time.Duration) {
	if reset := s.peakResetAt.Load(); now.UnixNano()-reset > int64(peakLagPeriod) {
		if s.peakResetAt.CompareAndSwap(reset, now.UnixNano()) {
			s.peakLag.Store(0)
		}
	}
	for {
		cur := s.peakLag.Load()
		if int64(lag) <= cur || s.peakLag.CompareAndSwap(cur, int64(lag)) {
			return
		}
	}
}

// MaxActiveDuration is how long the longest currently running job has run.
func (s *Scheduler) MaxActiveDuration() time.Duration {
	now := s.clk.Now()
	var worst time.Duration
	s.poolMu.Lock()
	for _, w := range s.workers {
		if j := w.current(); j != nil {
			if d := now.Sub(j.Timing().ActualStart()); d > worst {
				worst = d
			}
		}
	}
	s.poolMu.Unlock()
	return worst
}

func (s *Scheduler) recordFinished(cfg Config, w *worker, j job.Job, start time.Time, lag, run time.Duration, err error) {
	info := JobInfo{
		ID:         j.ID(),
		Name:       j.Name(),
		StartAfter: start,
		Lag:        max(0, lag),
		Runtime:    run,
		Worker:     w.id,
	}
	if err != nil {
		info.Error = err.Error()
	}
	s.finMu.Lock()
	s.finished = append(s.finished, info)
	if over := len(s.finished) - cfg.FinishedHistory; over > 0 {
		s.finished = append(s.finished[:0], s.finished[over:]...)
	}
	s.finMu.Unlock()
}

// Status returns a diagnostic snapshot. Job lists are capped.
func (s *Scheduler) Status() Status {
	cfg := s.Config()
	now := s.clk.Now()
	st := Status{
		Alive:      s.alive.Load(),
		Parallel:   s.parallel.Load(),
		Uptime:     s.uptime(now),
		MaxWaiting: s.maxWaiting(cfg),
		MaxLag:     s.MaxLag(),
		AvgLag:     s.AvgLag(),
		PeakLag:    s.PeakLag(),
	}

	s.ready.each(func(j job.Job) {
		st.ReadyCount++
		if len(st.Ready) < statusListCap {
			st.Ready = append(st.Ready, JobInfo{ID: j.ID(), Name: j.Name(), StartAfter: j.Timing().StartAfter(), Lag: max(0, now.Sub(j.Timing().StartAfter()))})
		}
	})

	s.jobMu.Lock()
	st.TimedCount = s.timed.len()
	s.timed.each(func(j job.Job, start time.Time) {
		st.Timed = append(st.Timed, JobInfo{ID: j.ID(), Name: j.Name(), StartAfter: start})
	})
	s.jobMu.Unlock()
	sort.Slice(st.Timed, func(a, b int) bool { return st.Timed[a].StartAfter.Before(st.Timed[b].StartAfter) })
	if len(st.Timed) > statusListCap {
		st.Timed = st.Timed[:statusListCap]
	}

	s.poolMu.Lock()
	st.Runners = len(s.workers)
	for _, w := range s.workers {
		wi := WorkerInfo{ID: w.id, Busy: w.busy(), Runs: w.runs.Load()}
		if last, d := w.lastRun(); last != nil {
			wi.LastJob, wi.LastRun = last.Name(), d
		}
		st.Workers = append(st.Workers, wi)
		j := w.current()
		if j == nil {
			continue
		}
		st.Busy++
		d := now.Sub(j.Timing().ActualStart())
		if d > st.MaxActive {
			st.MaxActive = d
		}
		if d > cfg.StuckAfter {
			st.Stuck++
		}
		st.Active = append(st.Active, JobInfo{ID: j.ID(), Name: j.Name(), StartAfter: j.Timing().StartAfter(), Lag: max(0, j.Timing().Lag()), Runtime: d, Worker: w.id})
	}
	s.poolMu.Unlock()
	sort.Slice(st.Workers, func(a, b int) bool { return st.Workers[a].ID < st.Workers[b].ID })
	sort.Slice(st.Active, func(a, b int) bool { return st.Active[a].Worker < st.Active[b].Worker })

	s.finMu.Lock()
	st.JustFinished = append([]JobInfo(nil), s.finished...)
	s.finMu.Unlock()
	return st
}
