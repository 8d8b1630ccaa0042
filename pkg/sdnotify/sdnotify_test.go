package sdnotify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "jobqueue/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func newTest(enabled bool, wd time.Duration) (*Notifier, *recorder) {
	rec := &recorder{}
	n := New(enabled, logx.Nop())
	n.send = rec.send
	n.interval = func(bool) (time.Duration, error) { return wd, nil }
	return n, rec
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()

	n, rec := newTest(true, 0)
	if !n.Ready() {
		t.Fatalf("Ready() = false, want true")
	}
	n.Status("runners=%d ready=%d", 8, 3)
	n.Stopping()

	want := []string{"READY=1", "STATUS=runners=8 ready=3", "STOPPING=1"}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %q, want %q", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestDisabledSendsNothing(t *testing.T) {
	t.Parallel()

	n, rec := newTest(false, time.Second)
	n.Ready()
	n.Stopping()
	if n.WatchdogInterval() != 0 {
		t.Fatalf("WatchdogInterval() != 0 while disabled")
	}
	if len(rec.states) != 0 {
		t.Fatalf("states = %q, want none", rec.states)
	}
	var nilN *Notifier
	if nilN.Ready() {
		t.Fatalf("nil Notifier Ready() = true")
	}
}

func TestRunWatchdogWithoutWatchdogReturns(t *testing.T) {
	t.Parallel()

	n, _ := newTest(true, 0)
	if err := n.RunWatchdog(context.Background(), nil); err != nil {
		t.Fatalf("RunWatchdog() = %v, want nil", err)
	}
}

func TestRunWatchdogPingsOnlyWhenHealthy(t *testing.T) {
	t.Parallel()

	n, rec := newTest(true, 10*time.Millisecond)
	var mu sync.Mutex
	var unhealthy error
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.RunWatchdog(ctx, func() error {
			mu.Lock()
			defer mu.Unlock()
			return unhealthy
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog pings")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	unhealthy = errors.New("pump stalled")
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	before := rec.count("WATCHDOG=1")
	time.Sleep(50 * time.Millisecond)
	if after := rec.count("WATCHDOG=1"); after != before {
		t.Fatalf("pings while unhealthy: %d -> %d", before, after)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunWatchdog() = %v, want context.Canceled", err)
	}
}
