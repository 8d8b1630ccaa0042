package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobqueue/internal/clock"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/task/autoscale"
	"jobqueue/internal/task/engine"
	"jobqueue/internal/task/stats"
	logx "jobqueue/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func readLines(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer f.Close()
	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("Open(redis) error = nil, want error")
	}
}

func TestFileStoreAppendAndPrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "audit.log")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e := Entry{At: epoch.Add(time.Duration(i) * time.Hour), Kind: eventbus.ScaleUp, Count: i}
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}
	rows := []ClassStats{
		{At: epoch, Class: "crypto.sign", Runs: 10},
		{At: epoch.Add(3 * time.Hour), Class: "crypto.sign", Runs: 20},
	}
	if err := st.AppendStats(ctx, rows); err != nil {
		t.Fatalf("AppendStats error = %v", err)
	}

	journal := filepath.Join(dir, "audit.journal.jsonl")
	if got := len(readLines(t, journal)); got != 4 {
		t.Fatalf("journal lines = %d, want 4", got)
	}

	removed, err := st.Prune(ctx, epoch.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Prune error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3 (2 journal + 1 stats)", removed)
	}
	left := readLines(t, journal)
	if len(left) != 2 || left[0].Count != 2 {
		t.Fatalf("journal after prune = %+v", left)
	}

	// Appends keep working on the rewritten file.
	if err := st.Append(ctx, Entry{At: epoch.Add(5 * time.Hour), Kind: eventbus.ScaleDown}); err != nil {
		t.Fatalf("Append after prune error = %v", err)
	}
	if got := len(readLines(t, journal)); got != 3 {
		t.Fatalf("journal lines = %d, want 3", got)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := st.Append(ctx, Entry{Kind: "x"}); err != ErrClosed {
		t.Fatalf("Append after Close = %v, want ErrClosed", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "journal.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer st.Close()
	db := st.(*sqliteStore).db
	ctx := context.Background()

	if err := st.Append(ctx, Entry{At: epoch, Kind: eventbus.ScaleRollback, Count: 3, MaxLag: 5 * time.Millisecond, Detail: "lag worsened"}); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := st.Append(ctx, Entry{At: epoch.Add(time.Hour), Kind: eventbus.JobFailed, Class: "tunnel.build"}); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	rows := []ClassStats{
		{At: epoch, Class: "a", Runs: 1},
		{At: epoch, Class: "b", Runs: 2},
		// Same (at, class) replaces.
		{At: epoch, Class: "b", Runs: 3},
	}
	if err := st.AppendStats(ctx, rows); err != nil {
		t.Fatalf("AppendStats error = %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM class_stats`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("class_stats rows = %d, %v, want 2", n, err)
	}
	var lagUS int64
	var detail string
	if err := db.QueryRow(`SELECT max_lag_us, detail FROM journal WHERE kind = ?`, eventbus.ScaleRollback).Scan(&lagUS, &detail); err != nil {
		t.Fatalf("query: %v", err)
	}
	if lagUS != 5000 || detail != "lag worsened" {
		t.Fatalf("row = %d, %q", lagUS, detail)
	}

	removed, err := st.Prune(ctx, epoch.Add(time.Minute))
	if err != nil || removed != 3 {
		t.Fatalf("Prune = %d, %v, want 3, nil", removed, err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM journal`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("journal rows = %d, %v, want 1", n, err)
	}
}

type memStore struct {
	entries []Entry
	stats   [][]ClassStats
	pruned  []time.Time
}

func (m *memStore) Append(_ context.Context, e Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) AppendStats(_ context.Context, rows []ClassStats) error {
	m.stats = append(m.stats, rows)
	return nil
}

func (m *memStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.pruned = append(m.pruned, before)
	return 0, nil
}

func (m *memStore) Close() error { return nil }

func TestRecorderJournalsSelectedEvents(t *testing.T) {
	t.Parallel()

	ms := &memStore{}
	clk := clock.NewManual(epoch)
	r := NewRecorder(ms, nil, nil, Config{}, logx.Nop(), clk)
	ctx := context.Background()

	r.Record(ctx, eventbus.Event{Type: eventbus.ScaleUp, Time: epoch, Data: autoscale.Event{Action: "scale_up", Count: 4, Applied: 3, Workers: 4, Ceiling: 16, MaxLag: int64(time.Second), Reason: "backlog"}})
	r.Record(ctx, eventbus.Event{Type: eventbus.JobFailed, Time: epoch, Data: engine.JobInfo{Name: "netdb.store", Error: "boom", Runtime: time.Millisecond}})
	r.Record(ctx, eventbus.Event{Type: eventbus.JobDropped, Time: epoch, Data: engine.JobInfo{Name: "peer.test"}})
	r.Record(ctx, eventbus.Event{Type: "other", Data: 42})

	if len(ms.entries) != 2 {
		t.Fatalf("entries = %d, want 2: %+v", len(ms.entries), ms.entries)
	}
	up := ms.entries[0]
	if up.Kind != eventbus.ScaleUp || up.Count != 3 || up.MaxLag != time.Second || up.Detail != "backlog" {
		t.Fatalf("scale entry = %+v", up)
	}
	failed := ms.entries[1]
	if failed.Class != "netdb.store" || failed.Detail != "boom" {
		t.Fatalf("failure entry = %+v", failed)
	}
	if got := r.Stats().Written; got != 2 {
		t.Fatalf("Written = %d, want 2", got)
	}
}

func TestRecorderRollupAndRetention(t *testing.T) {
	t.Parallel()

	reg := stats.NewRegistry()
	reg.For("crypto.sign").Record(epoch, 2*time.Millisecond, 5*time.Millisecond)
	reg.For("peer.test").RecordDrop()

	ms := &memStore{}
	clk := clock.NewManual(epoch)
	r := NewRecorder(ms, nil, reg, Config{Retention: time.Hour}, logx.Nop(), clk)

	for i := 0; i < pruneEvery; i++ {
		r.Rollup(context.Background())
		clk.Advance(time.Minute)
	}
	if len(ms.stats) != pruneEvery {
		t.Fatalf("rollups = %d, want %d", len(ms.stats), pruneEvery)
	}
	first := ms.stats[0]
	if len(first) != 2 {
		t.Fatalf("rows = %d, want 2", len(first))
	}
	byClass := map[string]ClassStats{}
	for _, row := range first {
		byClass[row.Class] = row
	}
	if got := byClass["crypto.sign"]; got.Runs != 1 || got.MaxRun != 5*time.Millisecond {
		t.Fatalf("crypto.sign row = %+v", got)
	}
	if got := byClass["peer.test"]; got.Dropped != 1 {
		t.Fatalf("peer.test row = %+v", got)
	}
	if len(ms.pruned) != 1 {
		t.Fatalf("prunes = %d, want 1", len(ms.pruned))
	}
	wantCut := epoch.Add(time.Duration(pruneEvery-1)*time.Minute - time.Hour)
	if !ms.pruned[0].Equal(wantCut) {
		t.Fatalf("prune cut = %v, want %v", ms.pruned[0], wantCut)
	}
}

func TestRecorderRunConsumesBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "j")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer st.Close()
	r := NewRecorder(st, bus, stats.NewRegistry(), Config{SnapshotEvery: time.Hour}, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Stats().Subscribers == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("recorder never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	bus.Publish(eventbus.Event{Type: eventbus.ScaleDown, Data: autoscale.Event{Applied: 1}})
	for r.Stats().Written == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not journaled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if got := r.Stats().Rollups; got != 1 {
		t.Fatalf("Rollups = %d, want final rollup", got)
	}
	if got := len(readLines(t, filepath.Join(dir, "j.journal.jsonl"))); got != 1 {
		t.Fatalf("journal lines = %d, want 1", got)
	}
}
