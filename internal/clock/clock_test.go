package clock

import (
	"testing"
	"time"
)

func TestSystemAdjustNotifiesDelta(t *testing.T) {
	t.Parallel()

	c := NewSystem()
	var got []time.Duration
	cancel := c.OnShift(func(d time.Duration) { got = append(got, d) })

	c.Adjust(-2 * time.Second)
	c.SetOffset(3 * time.Second)
	c.SetOffset(3 * time.Second) // unchanged: no notification
	cancel()
	c.Adjust(time.Second)

	want := []time.Duration{-2 * time.Second, 5 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notification[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if c.Offset() != 4*time.Second {
		t.Fatalf("offset = %v, want 4s", c.Offset())
	}
}

func TestManualAdvanceDoesNotNotify(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	c := NewManual(start)
	calls := 0
	c.OnShift(func(time.Duration) { calls++ })

	c.Advance(time.Minute)
	if calls != 0 {
		t.Fatalf("calls after Advance = %d, want 0", calls)
	}
	c.Shift(-time.Second)
	if calls != 1 {
		t.Fatalf("calls after Shift = %d, want 1", calls)
	}
	if want := start.Add(time.Minute - time.Second); !c.Now().Equal(want) {
		t.Fatalf("now = %v, want %v", c.Now(), want)
	}
}
