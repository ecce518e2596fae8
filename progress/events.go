// Package progress fans pipeline events out to in-process subscribers.
// Delivery is best effort with no history: late subscribers see only what
// is published after they attach. Events for one (tenant, job) pair are
// delivered in publication order.
package progress

import (
	"time"

	"github.com/tributary-io/tributary/catalog"
)

// EventType discriminates the three wire shapes.
type EventType string

const (
	EventProgress   EventType = "progress"
	EventStatus     EventType = "status"
	EventCompletion EventType = "completion"
)

// Event is the wire shape pushed to subscribers. Percentage is nil when
// the adapter cannot estimate total pages; Step then carries step-only
// progress.
type Event struct {
	Type       EventType         `json:"type"`
	TenantID   int64             `json:"tenant_id"`
	Job        string            `json:"job"`
	Percentage *float64          `json:"percentage,omitempty"`
	Step       string            `json:"step,omitempty"`
	Status     catalog.JobStatus `json:"status,omitempty"`
	Message    string            `json:"message,omitempty"`
	Success    *bool             `json:"success,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Progress builds a progress event. pct may be nil for unknown totals.
func Progress(tenantID int64, job string, pct *float64, step string) Event {
	return Event{
		Type:       EventProgress,
		TenantID:   tenantID,
		Job:        job,
		Percentage: pct,
		Step:       step,
		Timestamp:  time.Now().UTC(),
	}
}

// StatusChange builds a status event.
func StatusChange(tenantID int64, job string, status catalog.JobStatus, message string) Event {
	return Event{
		Type:      EventStatus,
		TenantID:  tenantID,
		Job:       job,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Completion builds the terminal event for a run.
func Completion(tenantID int64, job string, success bool, summary string) Event {
	return Event{
		Type:      EventCompletion,
		TenantID:  tenantID,
		Job:       job,
		Success:   &success,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}
}
