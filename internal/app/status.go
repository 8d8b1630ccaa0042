package app

import (
	"errors"
	"fmt"
	"time"

	"jobqueue/internal/eventbus"
	"jobqueue/internal/runtime/supervisor"
	"jobqueue/internal/storage"
	"jobqueue/internal/task/autoscale"
	"jobqueue/internal/task/engine"
	"jobqueue/internal/task/stats"
)

// Status is the /status document.
type Status struct {
	Uptime      time.Duration          `json:"uptime"`
	UnderAttack bool                   `json:"under_attack"`
	Scheduler   engine.Status          `json:"scheduler"`
	Autoscale   autoscale.Status       `json:"autoscale"`
	Classes     []stats.Snapshot       `json:"classes"`
	Bus         eventbus.Stats         `json:"bus"`
	Supervisor  supervisor.Snapshot    `json:"supervisor"`
	Journal     *storage.RecorderStats `json:"journal,omitempty"`
	Loadgen     *LoadgenStatus         `json:"loadgen,omitempty"`
}

type LoadgenStatus struct {
	Classes  int    `json:"classes"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

func (a *App) Status() Status {
	now := a.clk.Now()
	st := Status{
		UnderAttack: a.attack.UnderAttack(),
		Scheduler:   a.sched.Status(),
		Autoscale:   a.monitor.Status(),
		Classes:     a.sched.Stats().Snapshot(now),
		Bus:         a.bus.Stats(),
		Supervisor:  a.sup.Snapshot(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = now.Sub(a.startedAt)
	}
	if a.recorder != nil {
		js := a.recorder.Stats()
		st.Journal = &js
	}
	if n := a.loadgen.Active(); n > 0 {
		acc, rej := a.loadgen.Submitted()
		st.Loadgen = &LoadgenStatus{Classes: n, Accepted: acc, Rejected: rej}
	}
	return st
}

var errNotRunning = errors.New("scheduler not running")

// Health is nil while the scheduler runs and no emergency is pending.
func (a *App) Health() error {
	if p := a.emergency.Load(); p != nil {
		return fmt.Errorf("emergency: %w", *p)
	}
	if !a.sched.Alive() {
		return errNotRunning
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
	}
	return nil
}
