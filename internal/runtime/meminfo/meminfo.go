// Package meminfo reports the process memory figures the autoscaler budgets
// workers against, plus host core count and load.
package meminfo

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Memory is a heap usage reading.
type Memory struct {
	Used uint64
	Max  uint64
}

// Headroom is Max-Used, floored at 0.
func (m Memory) Headroom() uint64 {
	if m.Used >= m.Max {
		return 0
	}
	return m.Max - m.Used
}

// UsedPercent is Used/Max in [0,100]. Unknown Max reads as 0.
func (m Memory) UsedPercent() float64 {
	if m.Max == 0 {
		return 0
	}
	p := float64(m.Used) * 100 / float64(m.Max)
	if p > 100 {
		return 100
	}
	return p
}

// Introspector is the runtime view consumed by the scheduler and autoscaler.
type Introspector interface {
	Memory() Memory
	Cores() int
	// LoadPercent is the 1-minute load average relative to core count,
	// or -1 when the platform does not expose it.
	LoadPercent() float64
}

// fallbackMax is used when neither a Go memory limit nor host RAM is known.
const fallbackMax = 1 << 30

// Runtime reads the live Go runtime. ReadMemStats briefly stops the world,
// so readings are cached for minInterval.
type Runtime struct {
	minInterval time.Duration

	mu   sync.Mutex
	at   time.Time
	last Memory
}

func NewRuntime() *Runtime { return &Runtime{minInterval: 250 * time.Millisecond} }

func (r *Runtime) Memory() Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.at.IsZero() && time.Since(r.at) < r.minInterval {
		return r.last
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m := Memory{Used: ms.HeapInuse, Max: maxMemory()}
	r.last = m
	r.at = time.Now()
	return m
}

func (r *Runtime) Cores() int { return runtime.NumCPU() }

func (r *Runtime) LoadPercent() float64 {
	l, ok := loadAverage()
	if !ok {
		return -1
	}
	return l * 100 / float64(runtime.NumCPU())
}

func maxMemory() uint64 {
	// debug.SetMemoryLimit(-1) reads GOMEMLIMIT without changing it.
	if lim := debug.SetMemoryLimit(-1); lim > 0 && lim < (1<<60) {
		return uint64(lim)
	}
	if total, ok := totalRAM(); ok && total > 0 {
		return total
	}
	return fallbackMax
}

// Static is a fixed reading for tests and simulations.
type Static struct {
	mu   sync.Mutex
	mem  Memory
	cpus int
	load float64
}

func NewStatic(used, max uint64, cores int) *Static {
	if cores <= 0 {
		cores = 1
	}
	return &Static{mem: Memory{Used: used, Max: max}, cpus: cores, load: -1}
}

func (s *Static) Set(used, max uint64) {
	s.mu.Lock()
	s.mem = Memory{Used: used, Max: max}
	s.mu.Unlock()
}

func (s *Static) SetLoad(p float64) {
	s.mu.Lock()
	s.load = p
	s.mu.Unlock()
}

func (s *Static) Memory() Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

func (s *Static) Cores() int { return s.cpus }

func (s *Static) LoadPercent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load
}
