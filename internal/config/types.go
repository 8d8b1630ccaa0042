package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "15s", "3m"). Empty or
// zero values select the built-in default; unparsable values do too, with a
// warning (see Resolve).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Autoscale AutoscaleConfig `json:"autoscale"`

	// Storage is optional; nil disables the audit journal.
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
	Loadgen *LoadgenConfig `json:"loadgen,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	JSON    bool              `json:"json,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig maps onto engine.Config.
//
// Defaults (when omitted/zero):
//   - max_waiting_jobs: 192 (128 on slow hosts); negative disables dropping
//   - min_lag_to_drop: "2s"
//   - droppable_classes: tunnel.test, peer.test, netdb.explore
//   - lag_warning/lag_fatal: "15s"/"60s"
//   - run_warning/run_fatal: "10s"/"30s"
//   - warmup: "5m"
//   - job_timeout: "90s" ("off" disables the per-job deadline)
//   - max_runners: min(32, max(2*cores, 24)), 16 on slow hosts
//   - min_runners: max(4, cores)
type SchedulerConfig struct {
	MaxWaitingJobs   int      `json:"max_waiting_jobs,omitempty"`
	MinLagToDrop     string   `json:"min_lag_to_drop,omitempty"`
	DroppableClasses []string `json:"droppable_classes,omitempty"`

	LagWarning string `json:"lag_warning,omitempty"`
	LagFatal   string `json:"lag_fatal,omitempty"`
	RunWarning string `json:"run_warning,omitempty"`
	RunFatal   string `json:"run_fatal,omitempty"`
	Warmup     string `json:"warmup,omitempty"`
	FarFuture  string `json:"far_future,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty"`
	StuckAfter string `json:"stuck_after,omitempty"`

	MaxRunners      int  `json:"max_runners,omitempty"`
	MinRunners      int  `json:"min_runners,omitempty"`
	SlowHost        bool `json:"slow_host,omitempty"`
	FinishedHistory int  `json:"finished_history,omitempty"`
}

// AutoscaleConfig maps onto autoscale.Config. Runner bounds default to the
// scheduler's.
type AutoscaleConfig struct {
	Disabled bool `json:"disabled,omitempty"`

	CheckInterval       string `json:"check_interval,omitempty"`
	AttackCheckInterval string `json:"attack_check_interval,omitempty"`
	Cooldown            string `json:"cooldown,omitempty"`

	ScaleUpLag   string  `json:"scale_up_lag,omitempty"`
	ScaleDownLag string  `json:"scale_down_lag,omitempty"`
	JobsRatio    float64 `json:"jobs_ratio,omitempty"`

	EmergencyLag    string `json:"emergency_lag,omitempty"`
	EmergencyActive string `json:"emergency_active,omitempty"`

	FeedbackDisabled bool `json:"feedback_disabled,omitempty"`
}

// StorageConfig selects the audit journal backend.
//
// Driver values: "file" (JSON lines), "sqlite". Empty or "none" disables it.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention prunes journal rows older than this (sqlite only).
	Retention string `json:"retention,omitempty"`
	// SnapshotEvery is the period of per-class stats rollups.
	SnapshotEvery string `json:"snapshot_every,omitempty"`
}

// DebugConfig controls the diagnostics listener. Token is never logged.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// LoadgenConfig drives synthetic job classes, useful to exercise the
// scheduler and autoscaler without a router attached.
type LoadgenConfig struct {
	Enabled bool          `json:"enabled"`
	Classes []LoadgenSpec `json:"classes"`
}

// LoadgenSpec submits Burst jobs of class Name on every Schedule activation.
// Each job busy-waits for Work.
type LoadgenSpec struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Work     string `json:"work,omitempty"`
	Burst    int    `json:"burst,omitempty"`
}

type SystemdConfig struct {
	// DisableNotify suppresses sd_notify even when NOTIFY_SOCKET is set.
	DisableNotify bool `json:"disable_notify,omitempty"`
}
