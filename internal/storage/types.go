package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// ErrClosed is returned by appends after Close.
var ErrClosed = errors.New("storage closed")

// Config configures the journal.
//
// Driver values:
//   - "file": JSON lines next to Path (<base>.journal.jsonl, <base>.stats.jsonl)
//   - "sqlite": SQLite database at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops entries older than this during periodic pruning.
	// 0 keeps everything.
	Retention time.Duration
	// SnapshotEvery is the stats rollup period used by Recorder.
	SnapshotEvery time.Duration
}

// Entry is one journaled event.
type Entry struct {
	At      time.Time     `json:"at"`
	Kind    string        `json:"kind"`
	Class   string        `json:"class,omitempty"`
	Count   int           `json:"count,omitempty"`
	Workers int           `json:"workers,omitempty"`
	Ready   int           `json:"ready,omitempty"`
	Ceiling int           `json:"ceiling,omitempty"`
	MaxLag  time.Duration `json:"max_lag,omitempty"`
	AvgLag  time.Duration `json:"avg_lag,omitempty"`
	Runtime time.Duration `json:"runtime,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// ClassStats is one per-class rollup row.
type ClassStats struct {
	At           time.Time     `json:"at"`
	Class        string        `json:"class"`
	Runs         uint64        `json:"runs"`
	Dropped      uint64        `json:"dropped"`
	AvgRun       time.Duration `json:"avg_run"`
	MaxRun       time.Duration `json:"max_run"`
	AvgLag       time.Duration `json:"avg_lag"`
	MaxLag       time.Duration `json:"max_lag"`
	RecentRuns   int           `json:"recent_runs"`
	RecentAvgLag time.Duration `json:"recent_avg_lag"`
}
