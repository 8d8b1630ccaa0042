package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/task/job"
	logx "jobqueue/pkg/logx"
)

type jobBox struct{ j job.Job }

// worker is one runner goroutine. Its state is read by Status and the clock
// shift handler while it runs, so everything shared is atomic.
type worker struct {
	id   int
	quit chan struct{}

	// mu orders claim against stopIfIdle.
	mu sync.Mutex

	cur       atomic.Pointer[jobBox]
	last      atomic.Pointer[jobBox]
	lastBegin atomic.Int64
	lastEnd   atomic.Int64
	runs      atomic.Uint64
	stopping  atomic.Bool
}

func newWorker(id int) *worker {
	return &worker{id: id, quit: make(chan struct{})}
}

func (w *worker) current() job.Job {
	if b := w.cur.Load(); b != nil {
		return b.j
	}
	return nil
}

func (w *worker) busy() bool { return w.cur.Load() != nil }

// claim makes j the current job unless the worker has been told to stop.
func (w *worker) claim(j job.Job, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping.Load() {
		return false
	}
	j.Timing().Begin(now)
	w.cur.Store(&jobBox{j: j})
	return true
}

// stopIfIdle asks the worker to exit and reports true, unless it currently
// holds a job.
func (w *worker) stopIfIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur.Load() != nil {
		return false
	}
	if w.stopping.CompareAndSwap(false, true) {
		close(w.quit)
	}
	return true
}

func (s *Scheduler) runWorker(ctx context.Context, w *worker) error {
	log := s.log.With(logx.String("comp", "runner"), logx.Int("runner", w.id))
	log.Debug("runner.started")
	defer func() {
		s.workerExited(w)
		log.Debug("runner.stopped", logx.Uint64("runs", w.runs.Load()))
	}()

	for !w.stopping.Load() {
		n := s.next(ctx, w)
		if n.Shutdown() {
			return nil
		}
		if !s.runOne(ctx, w, n.Job(), log) {
			return nil
		}
	}
	return nil
}

// runOne executes j, already claimed by w, and reports whether the worker
// should keep going.
func (s *Scheduler) runOne(ctx context.Context, w *worker, j job.Job, log logx.Logger) bool {
	cfg := s.Config()
	t := j.Timing()

	// start is read before Run: a job may reschedule itself from its body.
	start := t.StartAfter()
	begin := t.ActualStart()
	lag := max(0, begin.Sub(start))

	stack, err := s.invoke(ctx, cfg, j)

	end := s.clk.Now()
	t.End(end)
	w.cur.Store(nil)
	w.last.Store(&jobBox{j: j})
	w.lastBegin.Store(begin.UnixNano())
	w.lastEnd.Store(end.UnixNano())
	w.runs.Add(1)

	if err != nil && IsResourceExhausted(err) {
		s.emergency(w, j, err)
		return false
	}
	if err != nil {
		fields := []logx.Field{
			logx.String("class", j.Name()),
			logx.Uint64("id", j.ID()),
			logx.Err(err),
		}
		if stack != "" {
			fields = append(fields, logx.Stack(stack))
		}
		log.Error("job.failed", fields...)
		s.metrics.JobFailed(j.Name())
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: end, Data: JobInfo{ID: j.ID(), Name: j.Name(), StartAfter: start, Lag: lag, Runtime: end.Sub(begin), Worker: w.id, Error: err.Error()}})
		}
	}

	s.UpdateStats(j, lag, end.Sub(begin))
	s.recordFinished(cfg, w, j, start, lag, end.Sub(begin), err)
	if f, ok := j.(job.Finisher); ok {
		f.Finished()
	}
	return true
}

// invoke runs the job with a panic guard so one bad job cannot kill the
// runner. The context deadline is advisory; Run is never interrupted.
func (s *Scheduler) invoke(ctx context.Context, cfg Config, j job.Job) (stack string, err error) {
	runCtx := ctx
	if cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			stack = string(debug.Stack())
		}
	}()
	return "", j.Run(runCtx)
}

// workerExited drops w from the registry. After Shutdown the registry is
// already empty, so this is a no-op then.
func (s *Scheduler) workerExited(w *worker) {
	s.poolMu.Lock()
	if cur, ok := s.workers[w.id]; ok && cur == w {
		delete(s.workers, w.id)
	}
	n := len(s.workers)
	s.poolMu.Unlock()
	if s.alive.Load() {
		s.metrics.Runners(n)
	}
}

func (w *worker) lastRun() (job.Job, time.Duration) {
	b := w.last.Load()
	if b == nil {
		return nil, 0
	}
	return b.j, time.Duration(w.lastEnd.Load() - w.lastBegin.Load())
}
