package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int           `json:"active"`
	Started      uint64        `json:"started"`
	Restarts     uint64        `json:"restarts"`
	Panics       uint64        `json:"panics"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at,omitzero"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a diagnostic view; never use it for synchronization.
type Snapshot struct {
	Active     int              `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type registry struct {
	mu    sync.Mutex
	names map[string]*GoroutineStats
}

func (r *registry) get(name string) *GoroutineStats {
	if r.names == nil {
		r.names = map[string]*GoroutineStats{}
	}
	st := r.names[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		r.names[name] = st
	}
	return st
}

// start returns the start time in unix nanoseconds.
func (r *registry) start(name string, restart bool) int64 {
	now := time.Now()
	r.mu.Lock()
	st := r.get(name)
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	r.mu.Unlock()
	return now.UnixNano()
}

func (r *registry) stop(name string, startedAt int64, err error) {
	now := time.Now()
	r.mu.Lock()
	st := r.get(name)
	st.Active = max(st.Active-1, 0)
	st.LastStopAt = now
	st.TotalRuntime += time.Duration(now.UnixNano() - startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	r.mu.Unlock()
}

func (r *registry) panic(name string, v any) {
	r.mu.Lock()
	st := r.get(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(v)
	r.mu.Unlock()
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	snap.Goroutines = make([]GoroutineStats, 0, len(s.stats.names))
	for _, st := range s.stats.names {
		snap.Active += st.Active
		snap.Started += st.Started
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.stats.mu.Unlock()

	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}
