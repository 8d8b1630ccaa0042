package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobqueue/internal/runtime/meminfo"
	"jobqueue/internal/task/engine"
	logx "jobqueue/pkg/logx"
	"jobqueue/pkg/sdnotify"
)

const baseConfig = `
logging:
  level: error
  console: false
scheduler:
  max_runners: 3
  min_runners: 1
  max_waiting_jobs: 50
autoscale:
  check_interval: 1h
storage:
  driver: file
  path: %DIR%/journal.log
  snapshot_every: 1h
systemd:
  disable_notify: true
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "jobqueue.yaml")
	body = strings.ReplaceAll(body, "%DIR%", dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newTestApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, dir, body)
	a, err := NewWithOptions(path, Options{
		Introspector: meminfo.NewStatic(0, 1<<30, 4),
		Notifier:     sdnotify.New(false, logx.Nop()),
	})
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	return a, dir
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "scheduler:\n  max_runners: 2\n  min_runners: 5\n")
	if _, err := New(path); err == nil {
		t.Fatalf("New error = nil, want validation error")
	}
}

func TestStartRunsJobsAndReportsStatus(t *testing.T) {
	a, _ := newTestApp(t, baseConfig)
	startApp(t, a)

	if !a.sched.Parallel() {
		t.Fatalf("scheduler still in single-runner startup")
	}
	if got := a.sched.ActiveWorkers(); got != 3 {
		t.Fatalf("ActiveWorkers() = %d, want 3", got)
	}

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		j := a.sched.NewJob("crypto.sign", func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if err := a.sched.Submit(j); err != nil {
			t.Fatalf("Submit error = %v", err)
		}
	}
	waitFor(t, "jobs to run", func() bool { return ran.Load() == 5 })

	if err := a.Health(); err != nil {
		t.Fatalf("Health() = %v, want nil", err)
	}
	st := a.Status()
	if !st.Scheduler.Alive || st.Journal == nil {
		t.Fatalf("Status = %+v", st)
	}
	var found bool
	for _, c := range st.Classes {
		if c.Name == "crypto.sign" && c.Runs == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("class stats missing crypto.sign: %+v", st.Classes)
	}
	if !st.Autoscale.Enabled || st.Supervisor.Active == 0 {
		t.Fatalf("autoscale = %+v, supervisor = %+v", st.Autoscale, st.Supervisor)
	}
}

func TestEmergencyClosesDone(t *testing.T) {
	a, _ := newTestApp(t, baseConfig)
	startApp(t, a)

	boom := errors.New("cannot allocate")
	j := a.sched.NewJob("netdb.store", func(context.Context) error { return engine.Exhausted(boom) })
	if err := a.sched.Submit(j); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done not closed after resource exhaustion")
	}
	if err := a.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want %v", err, boom)
	}
	if err := a.Health(); err == nil {
		t.Fatalf("Health() = nil after emergency")
	}
}

func TestReloadAppliesSchedulerChanges(t *testing.T) {
	a, dir := newTestApp(t, baseConfig)
	startApp(t, a)

	updated := strings.Replace(baseConfig, "max_waiting_jobs: 50", "max_waiting_jobs: 75", 1)
	writeConfig(t, dir, updated)

	waitFor(t, "reload", func() bool { return a.sched.Config().MaxWaitingJobs == 75 })
}

func TestStopIsCleanAndClosesJournal(t *testing.T) {
	a, dir := newTestApp(t, baseConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if a.sched.Alive() {
		t.Fatalf("scheduler alive after Stop")
	}
	// The journal's final rollup is written before the store closes.
	if got := a.recorder.Stats().Rollups; got != 1 {
		t.Fatalf("Rollups = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "journal.stats.jsonl")); err != nil {
		t.Fatalf("stats file: %v", err)
	}
	if got := a.Err(); got != nil {
		t.Fatalf("Err() after clean stop = %v", got)
	}
}

func TestSetUnderAttack(t *testing.T) {
	a, _ := newTestApp(t, baseConfig)
	a.SetUnderAttack(true)
	if !a.Status().UnderAttack {
		t.Fatalf("UnderAttack = false, want true")
	}
	a.SetUnderAttack(false)
	if a.attack.UnderAttack() {
		t.Fatalf("UnderAttack = true after reset")
	}
}
