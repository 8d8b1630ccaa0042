// Package logx is the structured logger shared by every jobqueue component.
//
// Loggers are values. A Logger obtained from a Service follows the service's
// current sinks and level, so a config reload reaches loggers that were
// derived (With) long before it. Hot paths that can fire thousands of times
// a second go through a Throttle.
package logx
