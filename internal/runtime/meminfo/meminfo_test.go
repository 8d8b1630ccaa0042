package meminfo

import "testing"

func TestMemoryMath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		m        Memory
		headroom uint64
		pct      float64
	}{
		{name: "half", m: Memory{Used: 50, Max: 100}, headroom: 50, pct: 50},
		{name: "over", m: Memory{Used: 120, Max: 100}, headroom: 0, pct: 100},
		{name: "unknown max", m: Memory{Used: 10}, headroom: 0, pct: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Headroom(); got != tt.headroom {
				t.Fatalf("Headroom = %d, want %d", got, tt.headroom)
			}
			if got := tt.m.UsedPercent(); got != tt.pct {
				t.Fatalf("UsedPercent = %v, want %v", got, tt.pct)
			}
		})
	}
}

func TestRuntimeReadsSomething(t *testing.T) {
	t.Parallel()

	r := NewRuntime()
	m := r.Memory()
	if m.Max == 0 {
		t.Fatal("Max = 0, want a positive limit")
	}
	if m.Used == 0 {
		t.Fatal("Used = 0, want live heap")
	}
	if r.Cores() < 1 {
		t.Fatalf("Cores = %d, want >= 1", r.Cores())
	}
}
