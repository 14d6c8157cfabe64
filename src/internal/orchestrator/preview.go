package orchestrator

import "time"

// State is a preview's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateLaunching State = "launching"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Terminal reports whether no process can be associated with the state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Preview is a point-in-time view of one job's preview.
type Preview struct {
	JobID           string    `json:"jobId"`
	RunID           string    `json:"runId"`
	State           State     `json:"state"`
	Port            int       `json:"port,omitempty"`
	PreviousPort    int       `json:"previousPort,omitempty"` // set when the job's last port was taken
	URL             string    `json:"url,omitempty"`
	UpstreamURL     string    `json:"upstreamUrl,omitempty"`
	PID             int       `json:"pid,omitempty"`
	ProjectPath     string    `json:"projectPath"`
	Command         string    `json:"command,omitempty"`
	Framework       string    `json:"framework,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	ReadyAt         time.Time `json:"readyAt,omitzero"`
	EndedAt         time.Time `json:"endedAt,omitzero"`
	LastActivity    time.Time `json:"lastActivity,omitzero"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitzero"`
	Healthy         bool      `json:"healthy"`
	RetryCount      int       `json:"retryCount"`
	CrashCount      int       `json:"crashCount"`
	Error           string    `json:"error,omitempty"`
}

// ReadyFunc is invoked once per successful Start with the preview URL.
type ReadyFunc func(jobID, url string)
