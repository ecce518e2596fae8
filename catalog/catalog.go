// Package catalog defines the scheduler's catalog entities: tenants,
// integrations, and jobs. Every entity carries a tenant id; nothing in the
// pipeline may cross that boundary.
package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the job's resting or running state. Only these four exist;
// FINISHED and FAILED are resting states between fires, not terminal.
type JobStatus string

const (
	JobStatusReady    JobStatus = "READY"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusFinished JobStatus = "FINISHED"
	JobStatusFailed   JobStatus = "FAILED"
)

// Valid reports whether s is one of the four job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusReady, JobStatusRunning, JobStatusFinished, JobStatusFailed:
		return true
	}
	return false
}

// IntegrationKind is a tagged variant selecting the adapter implementation.
// Adding a kind means adding a variant and registering its adapter.
type IntegrationKind string

const (
	KindIssueTracker  IntegrationKind = "issue-tracker"
	KindSourceControl IntegrationKind = "source-control"
)

// Tenant is the isolation boundary.
type Tenant struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	AssetFolder string `db:"asset_folder" json:"asset_folder"`
}

// Integration is an admin-provisioned connection to an external system.
// Credentials is the encrypted secret blob; only the creds store may
// decrypt it and the decrypted form is never logged.
type Integration struct {
	ID          int64           `db:"id" json:"id"`
	TenantID    int64           `db:"tenant_id" json:"tenant_id"`
	Kind        IntegrationKind `db:"kind" json:"kind"`
	Active      bool            `db:"active" json:"active"`
	BaseSearch  string          `db:"base_search" json:"base_search"`
	Credentials []byte          `db:"encrypted_credentials" json:"-"`
}

// Job is the scheduler's unit of work. The row is the only mutable
// scheduler state; the Extract Worker touches only CheckpointData.
type Job struct {
	ID                      int64           `db:"id" json:"id"`
	TenantID                int64           `db:"tenant_id" json:"tenant_id"`
	JobName                 string          `db:"job_name" json:"job_name"`
	IntegrationID           int64           `db:"integration_id" json:"integration_id"`
	Status                  JobStatus       `db:"status" json:"status"`
	ScheduleIntervalMinutes int             `db:"schedule_interval_minutes" json:"schedule_interval_minutes"`
	RetryIntervalMinutes    int             `db:"retry_interval_minutes" json:"retry_interval_minutes"`
	LastRunStartedAt        *time.Time      `db:"last_run_started_at" json:"last_run_started_at,omitempty"`
	LastRunFinishedAt       *time.Time      `db:"last_run_finished_at" json:"last_run_finished_at,omitempty"`
	RetryCount              int             `db:"retry_count" json:"retry_count"`
	ErrorMessage            *string         `db:"error_message" json:"error_message,omitempty"`
	CheckpointData          json.RawMessage `db:"checkpoint_data" json:"checkpoint_data,omitempty"`
	Active                  bool            `db:"active" json:"active"`
}

// retryClampCap bounds the exponential retry multiplier at 2^3.
const retryClampCap = 8

// NextFire computes the job's next fire time. RUNNING jobs never fire.
// FAILED jobs with retries pending back off exponentially from the start
// of the failed run; everything else fires on the normal cadence, or
// immediately when the job has never completed.
func (j *Job) NextFire(now time.Time) (time.Time, bool) {
	if !j.Active || j.Status == JobStatusRunning {
		return time.Time{}, false
	}

	if j.Status == JobStatusFailed && j.RetryCount > 0 {
		started := now
		if j.LastRunStartedAt != nil {
			started = *j.LastRunStartedAt
		}
		return started.Add(j.RetryDelay()), true
	}

	if j.LastRunFinishedAt == nil {
		return now, true
	}
	next := j.LastRunFinishedAt.Add(time.Duration(j.ScheduleIntervalMinutes) * time.Minute)
	if next.Before(now) {
		next = now
	}
	return next, true
}

// RetryDelay returns retry_interval x min(2^(retry_count-1), 8).
func (j *Job) RetryDelay() time.Duration {
	mult := 1
	for i := 1; i < j.RetryCount && mult < retryClampCap; i++ {
		mult *= 2
	}
	if mult > retryClampCap {
		mult = retryClampCap
	}
	return time.Duration(j.RetryIntervalMinutes*mult) * time.Minute
}

// AbandonedBy reports whether a RUNNING job left over from a previous
// process should be considered abandoned at time now. The threshold is
// three times the larger of the two intervals.
func (j *Job) AbandonedBy(now time.Time) bool {
	if j.Status != JobStatusRunning || j.LastRunStartedAt == nil {
		return false
	}
	interval := j.ScheduleIntervalMinutes
	if j.RetryIntervalMinutes > interval {
		interval = j.RetryIntervalMinutes
	}
	threshold := time.Duration(interval) * time.Minute * 3
	return now.Sub(*j.LastRunStartedAt) > threshold
}

// ValidateIntervals rejects non-positive cadences at admin-mutation time.
func ValidateIntervals(scheduleMinutes, retryMinutes int) error {
	if scheduleMinutes <= 0 {
		return fmt.Errorf("schedule_interval_minutes must be positive, got %d", scheduleMinutes)
	}
	if retryMinutes <= 0 {
		return fmt.Errorf("retry_interval_minutes must be positive, got %d", retryMinutes)
	}
	return nil
}
