package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "jobqueue/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	maxRestarts  int
	publishFirst bool
	// healthyAfter resets the backoff after a run that lasted this long.
	healthyAfter time.Duration
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
// n <= 0 restarts forever.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records failures in Err even though the loop keeps
// restarting, so health checks can see them.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = enabled }
}

// GoRestart runs fn until it returns nil or context.Canceled, or the
// supervisor context ends. Errors and panics restart it after a jittered
// exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:   250 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		healthyAfter: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, cfg)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, cfg restartCfg) {
	backoff := cfg.minBackoff
	for restarts := 0; s.ctx.Err() == nil; restarts++ {
		startedAt := s.stats.start(name, restarts > 0)
		err := s.call(name, fn)

		if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
			s.stats.stop(name, startedAt, nil)
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.stats.stop(name, startedAt, err)
		if cfg.publishFirst {
			s.setErr(err)
		}

		if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
			s.log.Error("goroutine.gave_up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			s.fail(err)
			return
		}
		if time.Duration(time.Now().UnixNano()-startedAt) >= cfg.healthyAfter {
			backoff = cfg.minBackoff
		}
		wait := jitter(backoff)
		s.log.Warn("goroutine.restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, cfg.maxBackoff)
	}
}

// jitter adds up to 20%.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}
