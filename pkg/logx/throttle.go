package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits a repetitive log line and counts what it suppressed.
//
// Typical use on a hot path:
//
//	if n, ok := th.Allow(); ok {
//		log.Warn("job dropped", logx.Uint64("suppressed", n))
//	}
//
// A nil *Throttle always allows.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows one line per every, with a burst of burst lines.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Inf
	if every > 0 {
		lim = rate.Every(every)
	}
	return &Throttle{lim: rate.NewLimiter(lim, burst)}
}

// Allow reports whether a line may be written now. When it may, it also
// returns how many lines were suppressed since the last allowed one.
func (t *Throttle) Allow() (suppressed uint64, ok bool) {
	if t == nil || t.lim == nil {
		return 0, true
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return 0, false
	}
	return t.suppressed.Swap(0), true
}
