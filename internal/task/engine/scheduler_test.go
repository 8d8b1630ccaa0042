package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"jobqueue/internal/clock"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/runtime/meminfo"
	"jobqueue/internal/task/job"
	logx "jobqueue/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newIdle returns a live scheduler with no pump and no runners, so queue
// state can be inspected deterministically.
func newIdle(t *testing.T, cfg Config, opts ...Option) (*Scheduler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	opts = append([]Option{WithClock(clk), WithIntrospector(meminfo.NewStatic(0, 1<<30, 4))}, opts...)
	s := New(cfg, logx.Nop(), nil, opts...)
	s.alive.Store(true)
	s.startedAt.Store(epoch.UnixNano())
	s.peakResetAt.Store(epoch.UnixNano())
	s.unsubShift = clk.OnShift(s.onClockShift)
	return s, clk
}

func mkJob(s *Scheduler, class string, start time.Time) *job.Func {
	j := s.NewJob(class, func(context.Context) error { return nil })
	j.Timing().SetStartAfter(start)
	return j
}

func TestSubmitDueJobGoesReadyWithClampedStart(t *testing.T) {
	t.Parallel()

	s, _ := newIdle(t, Config{})
	j := mkJob(s, "crypto", epoch.Add(-time.Minute))
	if err := s.Submit(j); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := s.ReadyCount(); got != 1 {
		t.Fatalf("ReadyCount() = %d, want 1", got)
	}
	if got := j.Timing().StartAfter(); !got.Equal(epoch) {
		t.Fatalf("start = %v, want clamped to %v", got, epoch)
	}
	if got := j.Timing().MadeReady(); !got.Equal(epoch) {
		t.Fatalf("made ready = %v, want %v", got, epoch)
	}
}

func TestSubmitReadyJobTwiceIsNoop(t *testing.T) {
	t.Parallel()

	s, _ := newIdle(t, Config{})
	j := mkJob(s, "crypto", epoch)
	_ = s.Submit(j)
	_ = s.Submit(j)
	if got := s.ReadyCount(); got != 1 {
		t.Fatalf("ReadyCount() = %d, want 1", got)
	}
}

func TestResubmitTimedJobReschedules(t *testing.T) {
	t.Parallel()

	s, _ := newIdle(t, Config{})
	j := mkJob(s, "netdb.store", epoch.Add(10*time.Second))
	_ = s.Submit(j)
	j.Timing().SetStartAfter(epoch.Add(time.Second))
	_ = s.Submit(j)

	if got := s.TimedCount(); got != 1 {
		t.Fatalf("TimedCount() = %d, want 1", got)
	}
	next, _ := s.timed.next()
	if want := epoch.Add(time.Second); !next.Equal(want) {
		t.Fatalf("next start = %v, want %v", next, want)
	}
}

func TestFutureJobNotPromotedEarly(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	j := mkJob(s, "netdb.store", epoch.Add(5*time.Second))
	_ = s.Submit(j)

	s.pumpOnce()
	if s.ReadyCount() != 0 || s.TimedCount() != 1 {
		t.Fatalf("ready/timed = %d/%d, want 0/1", s.ReadyCount(), s.TimedCount())
	}

	clk.Advance(5*time.Second + 20*time.Millisecond)
	s.pumpOnce()
	if s.ReadyCount() != 1 || s.TimedCount() != 0 {
		t.Fatalf("ready/timed after due = %d/%d, want 1/0", s.ReadyCount(), s.TimedCount())
	}
	// Promotion keeps the scheduled start so lag reflects the delay.
	if got := s.MaxLag(); got != 20*time.Millisecond {
		t.Fatalf("MaxLag() = %v, want 20ms", got)
	}
}

func TestPumpPromotesInStartOrder(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	var ids []uint64
	for _, off := range []time.Duration{3, 1, 2} {
		j := mkJob(s, "c", epoch.Add(off*time.Second))
		_ = s.Submit(j)
		ids = append(ids, j.ID())
	}
	clk.Advance(4 * time.Second)
	s.pumpOnce()

	var got []uint64
	s.ready.each(func(j job.Job) { got = append(got, j.ID()) })
	want := []uint64{ids[1], ids[2], ids[0]}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ready order = %v, want %v", got, want)
		}
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s, _ := newIdle(t, Config{})
	ready := mkJob(s, "a", epoch)
	timed := mkJob(s, "b", epoch.Add(time.Hour))
	_ = s.Submit(ready)
	_ = s.Submit(timed)

	if !s.Remove(ready) || !s.Remove(timed) {
		t.Fatalf("Remove() = false for queued job")
	}
	if s.Remove(ready) {
		t.Fatalf("Remove() of absent job = true, want false")
	}
	if s.ReadyCount() != 0 || s.TimedCount() != 0 {
		t.Fatalf("ready/timed = %d/%d, want 0/0", s.ReadyCount(), s.TimedCount())
	}
}

func TestOverloadDropsOnlyDroppableClasses(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(1024)
	defer unsub()

	s, clk := newIdle(t, Config{MaxWaitingJobs: 300})
	s.bus = bus
	s.parallel.Store(true)

	var dropped atomic.Int64
	submit := func(class string) {
		j := mkJob(s, class, clk.Now())
		j.WithDropHook(func() { dropped.Add(1) })
		_ = s.Submit(j)
	}

	for i := 0; i < 300; i++ {
		submit("tunnel.test")
	}
	clk.Advance(3 * time.Second)
	for i := 0; i < 700; i++ {
		submit("tunnel.test")
	}

	if got := dropped.Load(); got != 700 {
		t.Fatalf("dropped = %d, want 700", got)
	}
	if got := s.ReadyCount(); got != 300 {
		t.Fatalf("ReadyCount() = %d, want 300", got)
	}
	if got := s.Stats().For("tunnel.test").Dropped(); got != 700 {
		t.Fatalf("class dropped = %d, want 700", got)
	}

	submit("client.send")
	if got := s.ReadyCount(); got != 301 {
		t.Fatalf("non-droppable not queued: ReadyCount() = %d, want 301", got)
	}

	n := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.JobDropped {
			n++
		}
	}
	if n != 700 {
		t.Fatalf("job.dropped events = %d, want 700", n)
	}
}

func TestNoDropBelowMinLag(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{MaxWaitingJobs: 10})
	s.parallel.Store(true)
	for i := 0; i < 20; i++ {
		_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	}
	if got := s.ReadyCount(); got != 20 {
		t.Fatalf("ReadyCount() = %d, want 20 (head lag is zero)", got)
	}
}

func TestNoDropDuringStartup(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{MaxWaitingJobs: 1})
	_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	clk.Advance(time.Minute)
	_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	if got := s.ReadyCount(); got != 2 {
		t.Fatalf("ReadyCount() = %d, want 2", got)
	}
}

func TestAttackDoublesMaxWaiting(t *testing.T) {
	t.Parallel()

	var attack AttackFlag
	s, clk := newIdle(t, Config{MaxWaitingJobs: 5}, WithAttackSignal(&attack))
	s.parallel.Store(true)
	attack.Set(true)
	if got := s.MaxWaitingJobs(); got != 10 {
		t.Fatalf("MaxWaitingJobs() = %d, want 10", got)
	}

	_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	clk.Advance(5 * time.Second)
	for i := 0; i < 20; i++ {
		_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	}
	if got := s.ReadyCount(); got != 10 {
		t.Fatalf("ReadyCount() = %d, want 10", got)
	}
}

func TestDroppingDisabledByNegativeLimit(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{MaxWaitingJobs: -1})
	s.parallel.Store(true)
	_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	clk.Advance(time.Minute)
	for i := 0; i < 50; i++ {
		_ = s.Submit(mkJob(s, "peer.test", clk.Now()))
	}
	if got := s.ReadyCount(); got != 51 {
		t.Fatalf("ReadyCount() = %d, want 51", got)
	}
}

func TestBackwardClockShiftRebasesPendingJobs(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	timed := mkJob(s, "a", epoch.Add(time.Minute))
	ready := mkJob(s, "b", epoch)
	_ = s.Submit(timed)
	_ = s.Submit(ready)

	clk.Shift(-time.Hour)

	if want := epoch.Add(time.Minute - time.Hour); !timed.Timing().StartAfter().Equal(want) {
		t.Fatalf("timed start = %v, want %v", timed.Timing().StartAfter(), want)
	}
	next, _ := s.timed.next()
	if want := epoch.Add(time.Minute - time.Hour); !next.Equal(want) {
		t.Fatalf("timed set key = %v, want %v", next, want)
	}
	if want := epoch.Add(-time.Hour); !ready.Timing().StartAfter().Equal(want) {
		t.Fatalf("ready start = %v, want %v", ready.Timing().StartAfter(), want)
	}
	// The job must not become due early on the shifted clock.
	s.pumpOnce()
	if s.TimedCount() != 1 {
		t.Fatalf("TimedCount() = %d, want 1", s.TimedCount())
	}
}

func TestForwardClockShiftKeepsTimings(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	j := mkJob(s, "a", epoch.Add(time.Minute))
	_ = s.Submit(j)
	clk.Shift(time.Hour)
	if !j.Timing().StartAfter().Equal(epoch.Add(time.Minute)) {
		t.Fatalf("start moved on forward shift: %v", j.Timing().StartAfter())
	}
}

func TestPumpDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		left     time.Duration
		slow     bool
		highLoad bool
		want     time.Duration
	}{
		{-1, false, false, 100 * time.Millisecond},
		{-1, false, true, 250 * time.Millisecond},
		{5 * time.Millisecond, false, false, 50 * time.Millisecond},
		{5 * time.Millisecond, false, true, 100 * time.Millisecond},
		{time.Minute, false, false, 10 * time.Second},
		{time.Minute, true, true, 12 * time.Second},
		{5 * time.Second, false, false, 2 * time.Second},
		{5 * time.Second, false, true, 3 * time.Second},
		{5 * time.Second, true, false, 5 * time.Second},
		{500 * time.Millisecond, false, false, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := pumpDelay(tt.left, tt.slow, tt.highLoad); got != tt.want {
			t.Fatalf("pumpDelay(%v, %v, %v) = %v, want %v", tt.left, tt.slow, tt.highLoad, got, tt.want)
		}
	}
}

func TestAvgLagIgnoresOnTimeJobs(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	_ = s.Submit(mkJob(s, "a", epoch))
	clk.Advance(4 * time.Second)
	_ = s.Submit(mkJob(s, "b", clk.Now()))
	clk.Advance(2 * time.Second)
	_ = s.Submit(mkJob(s, "c", clk.Now()))

	if got := s.MaxLag(); got != 6*time.Second {
		t.Fatalf("MaxLag() = %v, want 6s", got)
	}
	// a=6s, b=2s, c=0 (excluded).
	if got := s.AvgLag(); got != 4*time.Second {
		t.Fatalf("AvgLag() = %v, want 4s", got)
	}
}

func TestPeakLagTracksCriticalClassesOnly(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	finish := func(class string, lag time.Duration) {
		s.UpdateStats(mkJob(s, class, clk.Now()), lag, time.Millisecond)
	}

	finish("peer.test", 9*time.Second)
	finish("client.send", 3*time.Second)
	if got := s.PeakLag(); got != 3*time.Second {
		t.Fatalf("PeakLag() = %v, want 3s", got)
	}

	clk.Advance(61 * time.Second)
	finish("client.send", time.Second)
	if got := s.PeakLag(); got != time.Second {
		t.Fatalf("PeakLag() after reset = %v, want 1s", got)
	}
	if got := s.Stats().For("peer.test").Runs(); got != 1 {
		t.Fatalf("peer.test runs = %d, want 1", got)
	}
}

func TestShutdownRejectsSubmit(t *testing.T) {
	t.Parallel()

	s, clk := newIdle(t, Config{})
	_ = s.Submit(mkJob(s, "a", clk.Now()))
	_ = s.Submit(mkJob(s, "a", clk.Now().Add(time.Hour)))
	s.Shutdown()

	if s.ReadyCount() != 0 || s.TimedCount() != 0 {
		t.Fatalf("queues not cleared: %d/%d", s.ReadyCount(), s.TimedCount())
	}
	if err := s.Submit(mkJob(s, "a", clk.Now())); err != ErrStopped {
		t.Fatalf("Submit() after shutdown = %v, want ErrStopped", err)
	}
}
