// Package metrics records orchestrator and supervisor events.
package metrics

import "time"

// Start results.
const (
	ResultReady           = "ready"
	ResultProjectNotReady = "project_not_ready"
	ResultPortsExhausted  = "ports_exhausted"
	ResultStartupTimeout  = "startup_timeout"
	ResultSpawnFailed     = "spawn_failed"
	ResultCancelled       = "cancelled"
)

// Retry reasons.
const (
	RetryBindConflict   = "bind_conflict"
	RetryStartupTimeout = "startup_timeout"
	RetryExited         = "exited"
)

// Collector receives preview lifecycle events.
type Collector interface {
	// StartFinished records the outcome of one Start call.
	StartFinished(result string)
	// SpawnAttempt records one child process launch.
	SpawnAttempt()
	// Retry records a retried start attempt.
	Retry(reason string)
	// Crash records a preview that died after becoming ready.
	Crash()
	// Reaped records an idle preview being stopped.
	Reaped()
	// ReclaimKill records a foreign process killed to free a port.
	ReclaimKill()
	// HealthProbe records a watchdog health probe result.
	HealthProbe(healthy bool)
	// ActivePreviews sets the number of registered previews.
	ActivePreviews(n int)
	// PortsInUse sets the number of allocated ports.
	PortsInUse(n int)
	// TimeToReady records how long a successful start took.
	TimeToReady(d time.Duration)
}

type noopCollector struct{}

func (noopCollector) StartFinished(string)      {}
func (noopCollector) SpawnAttempt()             {}
func (noopCollector) Retry(string)              {}
func (noopCollector) Crash()                    {}
func (noopCollector) Reaped()                   {}
func (noopCollector) ReclaimKill()              {}
func (noopCollector) HealthProbe(bool)          {}
func (noopCollector) ActivePreviews(int)        {}
func (noopCollector) PortsInUse(int)            {}
func (noopCollector) TimeToReady(time.Duration) {}

// NewNoop returns a Collector that discards everything.
func NewNoop() Collector {
	return noopCollector{}
}
