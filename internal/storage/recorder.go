package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"jobqueue/internal/clock"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/task/autoscale"
	"jobqueue/internal/task/engine"
	"jobqueue/internal/task/stats"
	logx "jobqueue/pkg/logx"
)

const (
	defaultSnapshotEvery = time.Minute
	// pruneEvery is how many rollups pass between retention sweeps.
	pruneEvery  = 10
	flushOnStop = 2 * time.Second
)

// StatsSource is satisfied by *stats.Registry.
type StatsSource interface {
	Snapshot(now time.Time) []stats.Snapshot
}

// Recorder journals bus events and periodic stats rollups into a Store.
type Recorder struct {
	store     Store
	bus       eventbus.Bus
	src       StatsSource
	clk       clock.Clock
	log       logx.Logger
	every     time.Duration
	retention time.Duration

	rollups atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// RecorderStats are the recorder's counters.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Rollups uint64 `json:"rollups"`
}

func NewRecorder(store Store, bus eventbus.Bus, src StatsSource, cfg Config, log logx.Logger, clk clock.Clock) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	every := cfg.SnapshotEvery
	if every <= 0 {
		every = defaultSnapshotEvery
	}
	return &Recorder{
		store:     store,
		bus:       bus,
		src:       src,
		clk:       clk,
		log:       log.With(logx.String("comp", "journal")),
		every:     every,
		retention: cfg.Retention,
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{Written: r.written.Load(), Failed: r.failed.Load(), Rollups: r.rollups.Load()}
}

// Run journals until ctx ends, then writes a final rollup.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil {
		return ErrDisabled
	}
	var events <-chan eventbus.Event
	if r.bus != nil {
		ch, unsub := r.bus.Subscribe(256)
		defer unsub()
		events = ch
	}
	tick := time.NewTicker(r.every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), flushOnStop)
			r.Rollup(fctx)
			cancel()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("event bus closed")
			}
			r.Record(ctx, ev)
		case <-tick.C:
			r.Rollup(ctx)
		}
	}
}

// Record journals ev if it is a kind worth keeping. Drops are not
// journaled one by one; rollups carry their counts.
func (r *Recorder) Record(ctx context.Context, ev eventbus.Event) {
	e, ok := entryFor(ev)
	if !ok {
		return
	}
	if e.At.IsZero() {
		e.At = r.clk.Now()
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.failed.Add(1)
		r.log.Warn("journal.append_failed", logx.String("kind", e.Kind), logx.Err(err))
		return
	}
	r.written.Add(1)
}

func entryFor(ev eventbus.Event) (Entry, bool) {
	switch d := ev.Data.(type) {
	case autoscale.Event:
		return Entry{
			At:      ev.Time,
			Kind:    ev.Type,
			Count:   d.Applied,
			Workers: d.Workers,
			Ready:   d.Ready,
			Ceiling: d.Ceiling,
			MaxLag:  time.Duration(d.MaxLag),
			AvgLag:  time.Duration(d.AvgLag),
			Detail:  d.Reason,
		}, true
	case engine.JobInfo:
		if ev.Type != eventbus.JobFailed && ev.Type != eventbus.EmergencyShutdown {
			return Entry{}, false
		}
		return Entry{
			At:      ev.Time,
			Kind:    ev.Type,
			Class:   d.Name,
			Runtime: d.Runtime,
			Detail:  d.Error,
		}, true
	}
	return Entry{}, false
}

// Rollup writes one row per job class and, every pruneEvery rollups,
// applies retention.
func (r *Recorder) Rollup(ctx context.Context) {
	if r.src == nil {
		return
	}
	now := r.clk.Now()
	snaps := r.src.Snapshot(now)
	rows := make([]ClassStats, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, ClassStats{
			At:           now,
			Class:        s.Name,
			Runs:         s.Runs,
			Dropped:      s.Dropped,
			AvgRun:       s.AvgRun,
			MaxRun:       s.MaxRun,
			AvgLag:       s.AvgLag,
			MaxLag:       s.MaxLag,
			RecentRuns:   s.Recent.Runs,
			RecentAvgLag: s.Recent.AvgLag,
		})
	}
	if err := r.store.AppendStats(ctx, rows); err != nil {
		r.failed.Add(1)
		r.log.Warn("journal.rollup_failed", logx.Int("classes", len(rows)), logx.Err(err))
		return
	}
	n := r.rollups.Add(1)
	if r.retention > 0 && n%pruneEvery == 0 {
		removed, err := r.store.Prune(ctx, now.Add(-r.retention))
		if err != nil {
			r.log.Warn("journal.prune_failed", logx.Err(err))
			return
		}
		if removed > 0 {
			r.log.Debug("journal.pruned", logx.Int64("rows", removed))
		}
	}
}
