package pipeline

import "time"

// HealthStatus reports a worker pool's liveness for the health endpoint.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Status       string        `json:"status"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	LastActivity time.Time     `json:"last_activity"`
}

// Health assembles a HealthStatus from the lifecycle fields every worker
// carries.
func Health(running bool, start time.Time, lastActivityNanos int64) HealthStatus {
	status := "stopped"
	if running {
		status = "running"
	}
	hs := HealthStatus{Healthy: running, Status: status}
	if running {
		hs.Uptime = time.Since(start)
	}
	if lastActivityNanos != 0 {
		hs.LastActivity = time.Unix(0, lastActivityNanos)
	}
	return hs
}
