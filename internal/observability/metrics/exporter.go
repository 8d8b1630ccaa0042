// Package metrics exports scheduler and autoscaler measurements to
// Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"jobqueue/internal/task/autoscale"
	"jobqueue/internal/task/engine"
)

type Options struct {
	// LagBuckets and RunBuckets are in seconds. Defaults favour the
	// millisecond range jobs are expected to live in.
	LagBuckets []float64
	RunBuckets []float64
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Exporter adapts engine.Metrics and autoscale.Recorder to Prometheus
// collectors.
type Exporter struct {
	jobLag       *prom.HistogramVec
	jobRun       *prom.HistogramVec
	jobDropped   *prom.CounterVec
	jobFailed    *prom.CounterVec
	queueDepth   *prom.GaugeVec
	runners      prom.Gauge
	scaleActions *prom.CounterVec
	ceiling      prom.Gauge
	state        *prom.GaugeVec
	memUsed      prom.Gauge
}

var (
	_ engine.Metrics     = (*Exporter)(nil)
	_ autoscale.Recorder = (*Exporter)(nil)
)

var controllerStates = []string{
	autoscale.Idle.String(),
	autoscale.PendingFeedback.String(),
	autoscale.ExtendedCooldown.String(),
	autoscale.CircuitOpen.String(),
}

// New creates and registers the collectors. Registering twice against the
// same registry reuses the existing collectors.
func New(namespace string, reg prom.Registerer, opts Options) (*Exporter, error) {
	if namespace == "" {
		namespace = "jobqueue"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	lagBuckets := opts.LagBuckets
	if len(lagBuckets) == 0 {
		lagBuckets = defaultBuckets
	}
	runBuckets := opts.RunBuckets
	if len(runBuckets) == 0 {
		runBuckets = defaultBuckets
	}

	e := &Exporter{
		jobLag: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_lag_seconds",
			Help:      "Delay between a job's scheduled start and its actual start.",
			Buckets:   lagBuckets,
		}, []string{"class"}),
		jobRun: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_seconds",
			Help:      "Job execution time.",
			Buckets:   runBuckets,
		}, []string{"class"}),
		jobDropped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_dropped_total",
			Help:      "Jobs discarded by overload admission control.",
		}, []string{"class"}),
		jobFailed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_failed_total",
			Help:      "Jobs that returned an error or panicked.",
		}, []string{"class"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting, by queue.",
		}, []string{"queue"}),
		runners: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "runners",
			Help:      "Active runner goroutines.",
		}),
		scaleActions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "autoscale",
			Name:      "runners_changed_total",
			Help:      "Runners added or removed by the autoscaler, by action.",
		}, []string{"action"}),
		ceiling: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autoscale",
			Name:      "ceiling",
			Help:      "Current upper bound on runners.",
		}),
		state: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autoscale",
			Name:      "state",
			Help:      "1 for the controller's current state, 0 otherwise.",
		}, []string{"state"}),
		memUsed: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_used_percent",
			Help:      "Memory in use as a percentage of the limit.",
		}),
	}

	var err error
	if e.jobLag, err = registerCollector(reg, e.jobLag); err != nil {
		return nil, err
	}
	if e.jobRun, err = registerCollector(reg, e.jobRun); err != nil {
		return nil, err
	}
	if e.jobDropped, err = registerCollector(reg, e.jobDropped); err != nil {
		return nil, err
	}
	if e.jobFailed, err = registerCollector(reg, e.jobFailed); err != nil {
		return nil, err
	}
	if e.queueDepth, err = registerCollector(reg, e.queueDepth); err != nil {
		return nil, err
	}
	if e.runners, err = registerCollector(reg, e.runners); err != nil {
		return nil, err
	}
	if e.scaleActions, err = registerCollector(reg, e.scaleActions); err != nil {
		return nil, err
	}
	if e.ceiling, err = registerCollector(reg, e.ceiling); err != nil {
		return nil, err
	}
	if e.state, err = registerCollector(reg, e.state); err != nil {
		return nil, err
	}
	if e.memUsed, err = registerCollector(reg, e.memUsed); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) JobDropped(class string) {
	if e == nil {
		return
	}
	e.jobDropped.WithLabelValues(normalizeLabel(class, "unnamed")).Inc()
}

func (e *Exporter) JobFinished(class string, lag, run time.Duration) {
	if e == nil {
		return
	}
	class = normalizeLabel(class, "unnamed")
	e.jobLag.WithLabelValues(class).Observe(lag.Seconds())
	e.jobRun.WithLabelValues(class).Observe(run.Seconds())
}

func (e *Exporter) JobFailed(class string) {
	if e == nil {
		return
	}
	e.jobFailed.WithLabelValues(normalizeLabel(class, "unnamed")).Inc()
}

func (e *Exporter) QueueDepth(ready, timed int) {
	if e == nil {
		return
	}
	e.queueDepth.WithLabelValues("ready").Set(float64(ready))
	e.queueDepth.WithLabelValues("timed").Set(float64(timed))
}

func (e *Exporter) Runners(n int) {
	if e == nil {
		return
	}
	e.runners.Set(float64(n))
}

func (e *Exporter) ScaleAction(action string, n int) {
	if e == nil || n <= 0 {
		return
	}
	e.scaleActions.WithLabelValues(normalizeLabel(action, "unknown")).Add(float64(n))
}

func (e *Exporter) Ceiling(n int) {
	if e == nil {
		return
	}
	e.ceiling.Set(float64(n))
}

// ControllerState sets the gauge for state to 1 and every other known state
// to 0.
func (e *Exporter) ControllerState(state string) {
	if e == nil {
		return
	}
	for _, s := range controllerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		e.state.WithLabelValues(s).Set(v)
	}
}

func (e *Exporter) MemoryUsed(percent float64) {
	if e == nil {
		return
	}
	e.memUsed.Set(percent)
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
