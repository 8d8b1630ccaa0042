package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExporterRecordsSchedulerMetrics(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	e, err := New("jq", reg, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	e.JobDropped("tunnel.test")
	e.JobDropped("tunnel.test")
	e.JobFailed("")
	e.QueueDepth(7, 3)
	e.Runners(12)
	e.JobFinished("crypto", 2*time.Millisecond, 5*time.Millisecond)

	if got := testutil.ToFloat64(e.jobDropped.WithLabelValues("tunnel.test")); got != 2 {
		t.Fatalf("dropped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.jobFailed.WithLabelValues("unnamed")); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.queueDepth.WithLabelValues("timed")); got != 3 {
		t.Fatalf("timed depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(e.runners); got != 12 {
		t.Fatalf("runners = %v, want 12", got)
	}
	if got := testutil.CollectAndCount(e.jobRun, "jq_job_run_seconds"); got != 1 {
		t.Fatalf("run series = %d, want 1", got)
	}
}

func TestExporterRecordsAutoscaleMetrics(t *testing.T) {
	t.Parallel()

	e, err := New("jq", prom.NewRegistry(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	e.ScaleAction("scale_up", 4)
	e.ScaleAction("scale_up", 0)
	e.Ceiling(16)
	e.ControllerState("circuit_open")
	e.ControllerState("idle")

	if got := testutil.ToFloat64(e.scaleActions.WithLabelValues("scale_up")); got != 4 {
		t.Fatalf("scale_up = %v, want 4", got)
	}
	if got := testutil.ToFloat64(e.ceiling); got != 16 {
		t.Fatalf("ceiling = %v, want 16", got)
	}
	if testutil.ToFloat64(e.state.WithLabelValues("idle")) != 1 || testutil.ToFloat64(e.state.WithLabelValues("circuit_open")) != 0 {
		t.Fatalf("state gauge not exclusive")
	}
}

func TestExporterReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	first, err := New("jq", reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := New("jq", reg, Options{})
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	first.JobDropped("peer.test")
	second.JobDropped("peer.test")
	if got := testutil.ToFloat64(first.jobDropped.WithLabelValues("peer.test")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNilExporterIsSafe(t *testing.T) {
	t.Parallel()

	var e *Exporter
	e.JobDropped("x")
	e.JobFinished("x", 0, 0)
	e.Runners(1)
	e.ControllerState("idle")
}
