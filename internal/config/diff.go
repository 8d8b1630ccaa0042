package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobqueue/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed top-level
// sections and safe attrs for logging them. Secrets (debug.token) are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		n := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_waiting_jobs", n.MaxWaitingJobs),
			logx.Int("scheduler.max_runners", n.MaxRunners),
			logx.Int("scheduler.min_runners", n.MinRunners),
			logx.Int("scheduler.droppable", len(n.DroppableClasses)),
		)
	}

	if oldCfg.Autoscale != newCfg.Autoscale {
		n := newCfg.Autoscale
		changed = append(changed, "autoscale")
		attrs = append(attrs,
			logx.Bool("autoscale.disabled", n.Disabled),
			logx.String("autoscale.check_interval", strings.TrimSpace(n.CheckInterval)),
			logx.String("autoscale.scale_up_lag", strings.TrimSpace(n.ScaleUpLag)),
		)
	}

	if !equalPtr(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if oldCfg.Debug != newCfg.Debug {
		n := newCfg.Debug
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", n.Enabled),
			logx.String("debug.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Bool("debug.pprof", n.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Loadgen, newCfg.Loadgen) {
		changed = append(changed, "loadgen")
		var classes int
		if newCfg.Loadgen != nil && newCfg.Loadgen.Enabled {
			classes = len(newCfg.Loadgen.Classes)
		}
		attrs = append(attrs, logx.Int("loadgen.classes", classes))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

func equalPtr[T comparable](a, b *T) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	}
	return *a == *b
}
