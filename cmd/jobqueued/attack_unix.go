//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"jobqueue/internal/app"
)

// watchAttackSignal toggles attack mode on SIGUSR1.
func watchAttackSignal(ctx context.Context, a *app.App) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		on := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				on = !on
				a.SetUnderAttack(on)
			}
		}
	}()
	return func() { signal.Stop(ch) }
}
