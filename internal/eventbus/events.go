package eventbus

// Event types published by the scheduler and autoscaler.
const (
	JobDropped = "job.dropped"
	JobFailed  = "job.failed"

	ScaleUp           = "scale.up"
	ScaleDown         = "scale.down"
	ScaleRollback     = "scale.rollback"
	ScaleRefused      = "scale.refused"
	ScaleBreakerOpen  = "scale.breaker_open"
	ScaleBreakerReset = "scale.breaker_reset"

	// EmergencyShutdown is published once when a worker reports resource
	// exhaustion.
	EmergencyShutdown = "scheduler.emergency_shutdown"
)
