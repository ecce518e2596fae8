package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tributary-io/tributary/catalog"
)

// maxErrorMessageBytes bounds error_message; credentials never reach it.
const maxErrorMessageBytes = 2048

const jobColumns = `id, tenant_id, job_name, integration_id, status,
	schedule_interval_minutes, retry_interval_minutes,
	last_run_started_at, last_run_finished_at, retry_count,
	error_message, checkpoint_data, active`

// ListActiveJobs returns every active job ordered by id. The ordering is
// the scheduler's deterministic tie-break.
func (s *Store) ListActiveJobs(ctx context.Context) ([]catalog.Job, error) {
	var jobs []catalog.Job
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE active = TRUE ORDER BY id`, jobColumns)
	if err := s.db.SelectContext(ctx, &jobs, query); err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*catalog.Job, error) {
	var job catalog.Job
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &job, nil
}

// GetJobByName loads one job by its tenant-unique name.
func (s *Store) GetJobByName(ctx context.Context, tenantID int64, name string) (*catalog.Job, error) {
	var job catalog.Job
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE tenant_id = $1 AND job_name = $2`, jobColumns)
	if err := s.db.GetContext(ctx, &job, query, tenantID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %d/%s: %w", tenantID, name, err)
	}
	return &job, nil
}

// StartRun is the scheduler's compare-and-set fire: READY/FINISHED/FAILED
// transitions to RUNNING only when the job is active and not already
// running. Returns ErrConflict when the CAS does not apply, which
// suppresses the fire.
func (s *Store) StartRun(ctx context.Context, jobID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'RUNNING',
		    last_run_started_at = $2,
		    error_message = NULL,
		    cancel_requested = FALSE
		WHERE id = $1
		  AND active = TRUE
		  AND status IN ('READY', 'FINISHED', 'FAILED')`,
		jobID, now)
	if err != nil {
		return fmt.Errorf("start run for job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("start run for job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RevertFire undoes a fire whose extract publish failed. The job
// returns to READY with retry_count untouched; the next tick retries.
func (s *Store) RevertFire(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'READY'
		WHERE id = $1 AND status = 'RUNNING'`,
		jobID)
	if err != nil {
		return fmt.Errorf("revert fire for job %d: %w", jobID, err)
	}
	return nil
}

// FinishRun records a run outcome. Success resets the retry counter;
// failure increments it and stores a bounded error summary. Returns
// ErrConflict when the row is no longer RUNNING (swept or admin-reset)
// so the caller can suppress its completion events.
func (s *Store) FinishRun(ctx context.Context, jobID int64, success bool, errMsg string, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'FINISHED',
			    last_run_finished_at = $2,
			    retry_count = 0,
			    error_message = NULL,
			    cancel_requested = FALSE
			WHERE id = $1 AND status = 'RUNNING'`,
			jobID, now)
	} else {
		if len(errMsg) > maxErrorMessageBytes {
			errMsg = errMsg[:maxErrorMessageBytes]
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'FAILED',
			    last_run_finished_at = $2,
			    retry_count = retry_count + 1,
			    error_message = $3,
			    cancel_requested = FALSE
			WHERE id = $1 AND status = 'RUNNING'`,
			jobID, now, errMsg)
	}
	if err != nil {
		return fmt.Errorf("finish run for job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run for job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateCheckpoint advances the job's resume state. Only a running job may
// move its checkpoint; checkpoints advance monotonically in the adapter's
// ordering and rewind only through ResetCheckpoint.
func (s *Store) UpdateCheckpoint(ctx context.Context, jobID int64, checkpoint json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET checkpoint_data = $2
		WHERE id = $1 AND status = 'RUNNING'`,
		jobID, checkpoint)
	if err != nil {
		return fmt.Errorf("update checkpoint for job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update checkpoint for job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SweepAbandoned transitions RUNNING rows left by a crashed process to
// FAILED. A row is abandoned when its run started longer ago than three
// times the larger of its two intervals. Returns the ids swept.
func (s *Store) SweepAbandoned(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE jobs
		SET status = 'FAILED',
		    retry_count = retry_count + 1,
		    error_message = 'abandoned on restart'
		WHERE status = 'RUNNING'
		  AND last_run_started_at IS NOT NULL
		  AND last_run_started_at < $1 - (GREATEST(schedule_interval_minutes, retry_interval_minutes) * 3) * interval '1 minute'
		RETURNING id`,
		now)
	if err != nil {
		return nil, fmt.Errorf("sweep abandoned jobs: %w", err)
	}
	return ids, nil
}

// SetJobActive toggles the admin flag. Status is untouched: an inactive
// job simply leaves the fire queue.
func (s *Store) SetJobActive(ctx context.Context, jobID int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET active = $2 WHERE id = $1`, jobID, active)
	if err != nil {
		return fmt.Errorf("set job %d active=%t: %w", jobID, active, err)
	}
	return nil
}

// UpdateJobIntervals changes both cadences. Zero or negative intervals are
// rejected before touching the row.
func (s *Store) UpdateJobIntervals(ctx context.Context, jobID int64, scheduleMinutes, retryMinutes int) error {
	if err := catalog.ValidateIntervals(scheduleMinutes, retryMinutes); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET schedule_interval_minutes = $2, retry_interval_minutes = $3
		WHERE id = $1`,
		jobID, scheduleMinutes, retryMinutes)
	if err != nil {
		return fmt.Errorf("update intervals for job %d: %w", jobID, err)
	}
	return nil
}

// ResetCheckpoint is the only sanctioned checkpoint rewind.
func (s *Store) ResetCheckpoint(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET checkpoint_data = '{}',
		    status = 'READY',
		    retry_count = 0,
		    error_message = NULL
		WHERE id = $1`,
		jobID)
	if err != nil {
		return fmt.Errorf("reset checkpoint for job %d: %w", jobID, err)
	}
	return nil
}

// RequestCancel flags a running job for cancellation. The extract worker
// observes the flag between pages; in-flight page writes complete first.
func (s *Store) RequestCancel(ctx context.Context, jobID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status = 'RUNNING'`,
		jobID)
	if err != nil {
		return fmt.Errorf("request cancel for job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel for job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CancelRequested reports whether an admin has flagged the running job.
func (s *Store) CancelRequested(ctx context.Context, jobID int64) (bool, error) {
	var flagged bool
	err := s.db.GetContext(ctx, &flagged, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("check cancel flag for job %d: %w", jobID, err)
	}
	return flagged, nil
}

// GetIntegrationCredentials loads the encrypted secret for an integration
// scoped by tenant. A mismatched tenant reads as not found.
func (s *Store) GetIntegrationCredentials(ctx context.Context, tenantID, integrationID int64) ([]byte, error) {
	var sealed []byte
	err := s.db.GetContext(ctx, &sealed, `
		SELECT encrypted_credentials FROM integrations
		WHERE id = $1 AND tenant_id = $2`,
		integrationID, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credentials for integration %d: %w", integrationID, err)
	}
	return sealed, nil
}

// GetIntegration loads one integration row.
func (s *Store) GetIntegration(ctx context.Context, id int64) (*catalog.Integration, error) {
	var integ catalog.Integration
	err := s.db.GetContext(ctx, &integ, `
		SELECT id, tenant_id, kind, active, base_search, encrypted_credentials
		FROM integrations WHERE id = $1`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get integration %d: %w", id, err)
	}
	return &integ, nil
}
