// Package app wires the scheduler, autoscaler and their supporting services
// into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"jobqueue/internal/clock"
	"jobqueue/internal/config"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/loadgen"
	"jobqueue/internal/observability/debugsrv"
	"jobqueue/internal/observability/metrics"
	"jobqueue/internal/runtime/meminfo"
	"jobqueue/internal/runtime/supervisor"
	"jobqueue/internal/storage"
	"jobqueue/internal/task/autoscale"
	"jobqueue/internal/task/engine"
	logx "jobqueue/pkg/logx"
	"jobqueue/pkg/sdnotify"
)

const metricsNamespace = "jobqueue"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus
	clk  clock.Clock

	store    storage.Store
	recorder *storage.Recorder

	reg      *prometheus.Registry
	exporter *metrics.Exporter

	sched   *engine.Scheduler
	monitor *autoscale.Monitor
	attack  engine.AttackFlag

	debug   *debugsrv.Server
	notify  *sdnotify.Notifier
	loadgen *loadgen.Generator
	classes []loadgen.Class

	startedAt time.Time

	done      chan struct{}
	doneOnce  sync.Once
	emergency atomic.Pointer[error]
}

// Options override process-level collaborators. Tests use them; the daemon
// passes the zero value.
type Options struct {
	Clock        clock.Clock
	Introspector meminfo.Introspector
	Notifier     *sdnotify.Notifier
}

func New(cfgPath string) (*App, error) { return NewWithOptions(cfgPath, Options{}) }

func NewWithOptions(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Duration warnings are logged before the configured logger exists.
	bootLog := logx.NewConsole("INFO")
	res := config.Resolve(cfg, bootLog)

	logs, base := logx.New(res.Logging)
	log := base.With(logx.String("comp", "app"))
	cfgm.SetLogger(base)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return config.Validate(c) })

	store, err := storage.Open(res.Storage, base.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", res.Storage.Driver), logx.String("path", res.Storage.Path))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := metrics.New(metricsNamespace, reg, metrics.Options{})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	rt := opts.Introspector
	if rt == nil {
		rt = meminfo.NewRuntime()
	}
	notify := opts.Notifier
	if notify == nil {
		notify = sdnotify.New(res.Notify, base)
	}

	bus := eventbus.New()
	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		clk:      clk,
		store:    store,
		reg:      reg,
		exporter: exp,
		notify:   notify,
		done:     make(chan struct{}),
	}

	a.sched = engine.New(res.Engine, base.With(logx.String("comp", "scheduler")), bus,
		engine.WithClock(clk),
		engine.WithMetrics(exp),
		engine.WithIntrospector(rt),
		engine.WithAttackSignal(&a.attack),
		engine.WithEmergencyHandler(a.onEmergency),
	)
	a.monitor = autoscale.NewMonitor(a.runnerBounds(res.Autoscale), a.sched,
		base.With(logx.String("comp", "autoscale")), bus,
		autoscale.WithIntrospector(rt),
		autoscale.WithAttackSignal(&a.attack),
		autoscale.WithClock(clk),
		autoscale.WithRecorder(exp),
	)
	if store != nil {
		a.recorder = storage.NewRecorder(store, bus, a.sched.Stats(), res.Storage, base, clk)
	}
	a.debug = debugsrv.New(res.Debug, debugsrv.Sources{
		Gatherer: reg,
		Status:   func() any { return a.Status() },
		Health:   a.Health,
	}, base)
	a.loadgen = loadgen.New(a.sched, base)
	a.classes = loadClasses(res.Loadgen)
	return a, nil
}

// runnerBounds hands the autoscaler the scheduler's effective pool bounds,
// so both sides agree after defaults are applied.
func (a *App) runnerBounds(cfg autoscale.Config) autoscale.Config {
	ec := a.sched.Config()
	cfg.MinRunners = ec.MinRunners
	cfg.MaxRunners = ec.MaxRunners
	return cfg
}

func loadClasses(in []config.LoadClass) []loadgen.Class {
	out := make([]loadgen.Class, 0, len(in))
	for _, c := range in {
		out = append(out, loadgen.Class{Name: c.Name, Schedule: c.Schedule, Work: c.Work, Burst: c.Burst})
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "app.sup"))),
		supervisor.WithCancelOnError(true),
	)
	c := a.sup.Context()
	a.startedAt = a.clk.Now()

	// Startup runs on one runner; the pool opens once wiring is done.
	a.sched.Start(c)

	a.sup.GoRestart("autoscale", a.monitor.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)
	if a.recorder != nil {
		a.sup.GoRestart("journal", a.recorder.Run,
			supervisor.WithRestartBackoff(time.Second, time.Minute),
		)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("sdnotify.watchdog", func(c context.Context) error {
		return a.notify.RunWatchdog(c, a.Health)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, applied, next)
				applied = next
			}
		}
	})

	a.debug.Start(c)
	a.loadgen.Start(a.classes)

	a.sched.AllowParallelOperation()

	// An emergency or a failed supervised goroutine ends the run.
	go func() {
		<-c.Done()
		a.finish()
	}()

	cfg := a.sched.Config()
	a.notify.Ready()
	a.notify.Status("running: %d runners, max %d", a.sched.ActiveWorkers(), cfg.MaxRunners)
	a.log.Info("app started",
		logx.Int("runners", a.sched.ActiveWorkers()),
		logx.Int("loadgen_classes", len(a.classes)),
		logx.Bool("journal", a.store != nil),
	)
	return nil
}

// applyConfig pushes a reloaded config into the live components. Storage
// and systemd settings are read once at startup.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notify.Reloading()
	defer a.notify.Ready()

	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	res := config.Resolve(next, a.log)

	if changed["logging"] {
		a.logs.Apply(res.Logging)
	}
	if changed["scheduler"] {
		a.sched.Apply(res.Engine)
	}
	if changed["scheduler"] || changed["autoscale"] {
		a.monitor.Apply(a.runnerBounds(res.Autoscale))
	}
	if changed["debug"] {
		a.debug.Reconfigure(ctx, res.Debug)
	}
	if changed["loadgen"] {
		a.classes = loadClasses(res.Loadgen)
		a.loadgen.Start(a.classes)
	}
	if changed["storage"] || changed["systemd"] {
		a.log.Warn("config change requires restart", logx.Bool("storage", changed["storage"]), logx.Bool("systemd", changed["systemd"]))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// onEmergency runs once, from the worker that hit resource exhaustion.
func (a *App) onEmergency(err error) {
	a.emergency.CompareAndSwap(nil, &err)
	a.log.Error("emergency shutdown requested", logx.Err(err))
	a.notify.Status("emergency: %v", err)
	a.finish()
}

func (a *App) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Done is closed when the daemon should stop on its own: an emergency, or a
// supervised goroutine that failed for good.
func (a *App) Done() <-chan struct{} { return a.done }

// Err explains why Done closed. Nil after a clean stop.
func (a *App) Err() error {
	if p := a.emergency.Load(); p != nil {
		return *p
	}
	if a.sup != nil {
		return a.sup.Err()
	}
	return nil
}

// SetUnderAttack switches the scheduler and autoscaler to their attack
// intervals.
func (a *App) SetUnderAttack(on bool) {
	if a.attack.UnderAttack() == on {
		return
	}
	a.attack.Set(on)
	a.log.Warn("attack mode changed", logx.Bool("under_attack", on))
}

func (a *App) Scheduler() *engine.Scheduler { return a.sched }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.loadgen.Stop()
	a.sup.Cancel()

	a.step(ctx, "debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "scheduler", 5*time.Second, a.sched.Stop)
	// Supervised loops include the journal's final rollup, so they finish
	// before the store closes.
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	err := a.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown step with an upper bound so one component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Bool("error", err != nil),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
