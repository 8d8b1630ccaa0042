// Package sdnotify reports daemon lifecycle to systemd (Type=notify units)
// and feeds its watchdog. Outside systemd every call is a cheap no-op.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobqueue/pkg/logx"
)

// Notifier sends sd_notify datagrams.
type Notifier struct {
	enabled bool
	log     logx.Logger

	send     func(unsetEnv bool, state string) (bool, error)
	interval func(unsetEnv bool) (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled:  enabled,
		log:      log.With(logx.String("comp", "sdnotify")),
		send:     daemon.SdNotify,
		interval: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) notify(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Debug("sdnotify.failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready tells systemd startup finished. It reports whether a notification
// socket was present.
func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() bool {
	return n.notify(fmt.Sprintf("%s\nMONOTONIC_USEC=%d", daemon.SdNotifyReloading, time.Now().UnixMicro()))
}

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval is WATCHDOG_USEC for this process, or 0 when the unit has
// no watchdog.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := n.interval(false)
	if err != nil {
		n.log.Debug("sdnotify.watchdog_env", logx.Err(err))
		return 0
	}
	return d
}

// RunWatchdog pings the watchdog at half its interval for as long as healthy
// returns nil. An unhealthy process stops pinging and lets systemd restart
// it. Without a watchdog it returns immediately.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() error) error {
	every := n.WatchdogInterval() / 2
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if healthy != nil {
			if err := healthy(); err != nil {
				n.log.Warn("sdnotify.watchdog_withheld", logx.Err(err))
				continue
			}
		}
		n.notify(daemon.SdNotifyWatchdog)
	}
}
