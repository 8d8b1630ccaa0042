package loadgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobqueue/internal/task/job"
	logx "jobqueue/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	mu     sync.Mutex
	ids    job.Sequence
	jobs   []job.Job
	reject bool
}

func (f *fakeScheduler) Submit(j job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errors.New("stopped")
	}
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeScheduler) Now() time.Time { return epoch }
func (f *fakeScheduler) NextID() uint64 { return f.ids.Next() }

func (f *fakeScheduler) NewJob(class string, fn func(ctx context.Context) error) *job.Func {
	return job.NewFunc(f.ids.Next(), class, fn)
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestStartArmsOneDriverPerClass(t *testing.T) {
	t.Parallel()

	fs := &fakeScheduler{}
	g := New(fs, logx.Nop())
	g.Start([]Class{
		{Name: "crypto.sign", Schedule: every(time.Second), Burst: 3},
		{Name: "tunnel.test", Schedule: every(10 * time.Second)},
	})
	if g.Active() != 2 || len(fs.jobs) != 2 {
		t.Fatalf("drivers = %d, submitted = %d, want 2, 2", g.Active(), len(fs.jobs))
	}
	if got := fs.jobs[0].Name(); got != "loadgen.crypto.sign" {
		t.Fatalf("driver name = %q", got)
	}
	if got := fs.jobs[1].Timing().StartAfter(); !got.Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("driver start = %v, want %v", got, epoch.Add(10*time.Second))
	}
}

func TestDriverRunSubmitsBurstAndRearms(t *testing.T) {
	t.Parallel()

	fs := &fakeScheduler{}
	g := New(fs, logx.Nop())
	g.Start([]Class{{Name: "crypto.sign", Schedule: every(time.Second), Burst: 3}})
	driver := fs.jobs[0]
	fs.jobs = nil

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(fs.jobs) != 3 {
		t.Fatalf("submitted before Finished = %d, want 3", len(fs.jobs))
	}
	driver.(job.Finisher).Finished()
	// 3 work jobs plus the re-armed driver.
	if len(fs.jobs) != 4 {
		t.Fatalf("submitted = %d, want 4", len(fs.jobs))
	}
	for _, j := range fs.jobs[:3] {
		if j.Name() != "crypto.sign" {
			t.Fatalf("work job name = %q", j.Name())
		}
	}
	if fs.jobs[3] != driver {
		t.Fatalf("last submission is not the driver")
	}
	if acc, rej := g.Submitted(); acc != 3 || rej != 0 {
		t.Fatalf("Submitted() = %d, %d, want 3, 0", acc, rej)
	}
}

func TestStopEndsSeries(t *testing.T) {
	t.Parallel()

	fs := &fakeScheduler{}
	g := New(fs, logx.Nop())
	g.Start([]Class{{Name: "a", Schedule: every(time.Second)}})
	driver := fs.jobs[0]
	g.Stop()
	fs.jobs = nil

	_ = driver.Run(context.Background())
	driver.(job.Finisher).Finished()
	// The queued activation still bursts but does not re-arm.
	if len(fs.jobs) != 1 || fs.jobs[0] == driver {
		t.Fatalf("submissions after Stop = %d", len(fs.jobs))
	}
	if g.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", g.Active())
	}
}

func TestRejectedSubmitIsCounted(t *testing.T) {
	t.Parallel()

	fs := &fakeScheduler{}
	g := New(fs, logx.Nop())
	g.Start([]Class{{Name: "a", Schedule: every(time.Second), Burst: 5}})
	driver := fs.jobs[0]
	fs.reject = true

	_ = driver.Run(context.Background())
	if _, rej := g.Submitted(); rej != 1 {
		t.Fatalf("rejected = %d, want 1 (burst stops at first rejection)", rej)
	}
}

func TestWorkHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := work(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("work() = %v, want context.Canceled", err)
	}
	if err := work(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("work() = %v, want nil", err)
	}
}
