package models

import "time"

// ProcessState is a supervised process's state-machine state.
type ProcessState string

// Process states.
const (
	ProcessStopped  ProcessState = "stopped"
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessStopping ProcessState = "stopping"
	ProcessFailed   ProcessState = "failed"
	ProcessBackoff  ProcessState = "backoff"
)

// HealthState is the observed health of a supervised process.
type HealthState string

// Health states. Processes without a health check stay "unknown".
const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthCheckKind selects the probe type for a process health check.
type HealthCheckKind string

// Health check kinds.
const (
	HealthCheckHTTP HealthCheckKind = "http"
	HealthCheckTCP  HealthCheckKind = "tcp"
	HealthCheckNone HealthCheckKind = "none"
)

// HealthCheck configures periodic health probing for a process.
// HTTP checks GET URL and succeed on any 2xx; TCP checks succeed when the
// handshake to Addr completes within the timeout.
type HealthCheck struct {
	Kind      HealthCheckKind `json:"kind"`
	URL       string          `json:"url,omitempty"`
	Addr      string          `json:"addr,omitempty"` // host:port for tcp checks
	IntervalS int             `json:"interval_s,omitempty"`
	TimeoutS  int             `json:"timeout_s,omitempty"`
}

// ProcessSpec holds the launch inputs and restart policy for a supervised
// process. It is what the per-node config file declares per id.
type ProcessSpec struct {
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	AutoRestart       bool              `json:"auto_restart,omitempty"`
	MaxRestarts       int               `json:"max_restarts,omitempty"`
	RestartWindowS    int               `json:"restart_window,omitempty"`
	Ports             []int             `json:"ports,omitempty"`
	HealthCheck       *HealthCheck      `json:"health_check,omitempty"`
	GracefulTimeoutMS int               `json:"graceful_timeout_ms,omitempty"`
}

// ProcessStatus is the externally visible view of a process record.
// Remote nodes hold these as weak references refreshed via the event bus;
// only the owning supervisor holds the authoritative record.
type ProcessStatus struct {
	ID             string       `json:"id"`
	Node           string       `json:"node"`
	State          ProcessState `json:"state"`
	PID            int          `json:"pid,omitempty"`
	StartedAt      time.Time    `json:"started_at,omitzero"`
	LastExitReason string       `json:"last_exit_reason,omitempty"`
	RestartsInWin  int          `json:"restart_count_window"`
	Health         HealthState  `json:"health_state"`
}
