package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobqueue/internal/observability/debugsrv"
	"jobqueue/internal/storage"
	"jobqueue/internal/task/autoscale"
	"jobqueue/internal/task/engine"
	"jobqueue/internal/task/job"
	logx "jobqueue/pkg/logx"
)

// Resolved is the typed form of a Config, ready to hand to components.
type Resolved struct {
	Logging   logx.Config
	Engine    engine.Config
	Autoscale autoscale.Config
	Storage   storage.Config
	Debug     debugsrv.Config
	Loadgen   []LoadClass
	Notify    bool
}

// LoadClass is a validated loadgen entry.
type LoadClass struct {
	Name     string
	Schedule cron.Schedule
	Work     time.Duration
	Burst    int
}

// resolver collects per-field fallbacks so a bad value never fails a load.
type resolver struct {
	log    logx.Logger
	issues int
}

var errNegativeDuration = errors.New("must not be negative")

// parseSpan reads one interval field. Blank leaves the component default.
func parseSpan(raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errNegativeDuration
	}
	return d, nil
}

// dur parses raw, returning 0 (the component default) and logging a warning
// when raw is unparsable.
func (r *resolver) dur(path, raw string) time.Duration {
	d, err := parseSpan(raw)
	if err != nil {
		r.issues++
		r.log.Warn("config.invalid_duration",
			logx.String("field", path),
			logx.String("value", raw),
			logx.Err(err),
		)
		return 0
	}
	return d
}

// limit is dur for optional limits: "off", "none" and "disabled" map to -1.
func (r *resolver) limit(path, raw string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "none", "disabled":
		return -1
	}
	return r.dur(path, raw)
}

// Resolve maps cfg into component configs. Zero values are left for the
// components to default; invalid values are logged and treated as zero.
func Resolve(cfg *Config, log logx.Logger) Resolved {
	if cfg == nil {
		cfg = &Config{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &resolver{log: log.With(logx.String("comp", "config"))}

	out := Resolved{
		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			JSON:    cfg.Logging.JSON,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		},
		Notify: !cfg.Systemd.DisableNotify,
	}

	sc := cfg.Scheduler
	out.Engine = engine.Config{
		MaxWaitingJobs:   sc.MaxWaitingJobs,
		MinLagToDrop:     r.dur("scheduler.min_lag_to_drop", sc.MinLagToDrop),
		DroppableClasses: trimList(sc.DroppableClasses),
		LagWarning:       r.dur("scheduler.lag_warning", sc.LagWarning),
		LagFatal:         r.dur("scheduler.lag_fatal", sc.LagFatal),
		RunWarning:       r.dur("scheduler.run_warning", sc.RunWarning),
		RunFatal:         r.dur("scheduler.run_fatal", sc.RunFatal),
		Warmup:           r.dur("scheduler.warmup", sc.Warmup),
		FarFuture:        r.dur("scheduler.far_future", sc.FarFuture),
		StuckAfter:       r.dur("scheduler.stuck_after", sc.StuckAfter),
		MaxRunners:       max(sc.MaxRunners, 0),
		MinRunners:       max(sc.MinRunners, 0),
		SlowHost:         sc.SlowHost,
		FinishedHistory:  max(sc.FinishedHistory, 0),
	}
	out.Engine.JobTimeout = r.limit("scheduler.job_timeout", sc.JobTimeout)

	ac := cfg.Autoscale
	out.Autoscale = autoscale.Config{
		Disabled:            ac.Disabled,
		CheckInterval:       r.dur("autoscale.check_interval", ac.CheckInterval),
		AttackCheckInterval: r.dur("autoscale.attack_check_interval", ac.AttackCheckInterval),
		Cooldown:            r.dur("autoscale.cooldown", ac.Cooldown),
		ScaleUpLag:          r.dur("autoscale.scale_up_lag", ac.ScaleUpLag),
		ScaleDownLag:        r.dur("autoscale.scale_down_lag", ac.ScaleDownLag),
		JobsRatio:           ac.JobsRatio,
		EmergencyLag:        r.dur("autoscale.emergency_lag", ac.EmergencyLag),
		EmergencyActive:     r.dur("autoscale.emergency_active", ac.EmergencyActive),
		FeedbackDisabled:    ac.FeedbackDisabled,
		MinRunners:          max(sc.MinRunners, 0),
		MaxRunners:          max(sc.MaxRunners, 0),
	}
	if ac.JobsRatio < 0 {
		r.issues++
		r.log.Warn("config.invalid_value", logx.String("field", "autoscale.jobs_ratio"), logx.Float64("value", ac.JobsRatio))
		out.Autoscale.JobsRatio = 0
	}

	if st := cfg.Storage; st != nil {
		out.Storage = storage.Config{
			Driver:        strings.TrimSpace(st.Driver),
			Path:          strings.TrimSpace(st.Path),
			BusyTimeout:   r.dur("storage.busy_timeout", st.BusyTimeout),
			Retention:     r.dur("storage.retention", st.Retention),
			SnapshotEvery: r.dur("storage.snapshot_every", st.SnapshotEvery),
		}
	}

	dc := cfg.Debug
	out.Debug = debugsrv.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		ReadTimeout:   r.dur("debug.read_timeout", dc.ReadTimeout),
		WriteTimeout:  r.dur("debug.write_timeout", dc.WriteTimeout),
	}

	if lg := cfg.Loadgen; lg != nil && lg.Enabled {
		for i, spec := range lg.Classes {
			lc, ok := r.loadClass(i, spec)
			if ok {
				out.Loadgen = append(out.Loadgen, lc)
			}
		}
	}
	return out
}

func (r *resolver) loadClass(i int, spec LoadgenSpec) (LoadClass, bool) {
	path := fmt.Sprintf("loadgen.classes[%d]", i)
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		r.issues++
		r.log.Warn("config.loadgen_skipped", logx.String("field", path), logx.String("reason", "name required"))
		return LoadClass{}, false
	}
	sched, err := job.ParseSchedule(spec.Schedule)
	if err != nil {
		r.issues++
		r.log.Warn("config.loadgen_skipped", logx.String("field", path+".schedule"), logx.String("class", name), logx.Err(err))
		return LoadClass{}, false
	}
	return LoadClass{
		Name:     name,
		Schedule: sched,
		Work:     r.dur(path+".work", spec.Work),
		Burst:    max(spec.Burst, 1),
	}, true
}

func trimList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var knownDrivers = map[string]bool{"": true, "none": true, "file": true, "sqlite": true, "sqlite3": true}

// Validate rejects configs that cannot be applied at all. Bad durations are
// not errors here; Resolve falls back to defaults for them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	sc := cfg.Scheduler
	if sc.MaxRunners < 0 || sc.MinRunners < 0 {
		errs = append(errs, errors.New("scheduler: runner counts must be >= 0"))
	}
	if sc.MaxRunners > 0 && sc.MinRunners > sc.MaxRunners {
		errs = append(errs, fmt.Errorf("scheduler: min_runners %d > max_runners %d", sc.MinRunners, sc.MaxRunners))
	}
	if st := cfg.Storage; st != nil {
		d := strings.ToLower(strings.TrimSpace(st.Driver))
		if !knownDrivers[d] {
			errs = append(errs, fmt.Errorf("storage: unknown driver %q", st.Driver))
		} else if d != "" && d != "none" && strings.TrimSpace(st.Path) == "" {
			errs = append(errs, errors.New("storage: path is required"))
		}
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging: unknown level %q", lvl))
	}
	return errors.Join(errs...)
}
