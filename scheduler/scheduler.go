// Package scheduler owns each job's fire timeline. A single-threaded
// fire loop computes next-fire times independently per job, enforces at
// most one concurrent run per job id through a compare-and-set on the
// job row, and publishes extract messages for due jobs. The job row is
// the only mutable scheduler state; no lock is held across a publish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/catalog"
	"github.com/tributary-io/tributary/metrics"
	"github.com/tributary-io/tributary/progress"
	"github.com/tributary-io/tributary/store"
)

// DefaultTick is the fire loop's polling cadence.
const DefaultTick = 15 * time.Second

// JobStore is the catalog surface the scheduler drives.
type JobStore interface {
	ListActiveJobs(ctx context.Context) ([]catalog.Job, error)
	GetJob(ctx context.Context, id int64) (*catalog.Job, error)
	StartRun(ctx context.Context, jobID int64, now time.Time) error
	RevertFire(ctx context.Context, jobID int64) error
	FinishRun(ctx context.Context, jobID int64, success bool, errMsg string, now time.Time) error
	SweepAbandoned(ctx context.Context, now time.Time) ([]int64, error)
	SetJobActive(ctx context.Context, jobID int64, active bool) error
	UpdateJobIntervals(ctx context.Context, jobID int64, scheduleMinutes, retryMinutes int) error
	ResetCheckpoint(ctx context.Context, jobID int64) error
	RequestCancel(ctx context.Context, jobID int64) error
}

// Publisher is the bus surface the scheduler fires through.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

// Scheduler runs the fire loop and handles run completion callbacks.
type Scheduler struct {
	store  JobStore
	pub    Publisher
	events *progress.Broker
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTick overrides the fire loop cadence.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler. Start must be called before it fires.
func New(st JobStore, pub Publisher, events *progress.Broker, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  st,
		pub:    pub,
		events: events,
		logger: logger.With("component", "scheduler"),
		tick:   DefaultTick,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps abandoned runs left by a crashed process, then launches
// the fire loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	swept, err := s.store.SweepAbandoned(ctx, s.now())
	if err != nil {
		return fmt.Errorf("sweep abandoned runs: %w", err)
	}
	for _, id := range swept {
		s.logger.Warn("abandoned run swept", "job_id", id)
		if job, err := s.store.GetJob(ctx, id); err == nil {
			s.events.Publish(progress.StatusChange(job.TenantID, job.JobName, catalog.JobStatusFailed, "abandoned on restart"))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.fireLoop(runCtx)
	return nil
}

// Stop halts the fire loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) fireLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		case <-s.wake:
			s.tickOnce(ctx)
		}
	}
}

// tickOnce fires every due job. Ties fire in ascending id order.
func (s *Scheduler) tickOnce(ctx context.Context) {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		s.logger.Error("list active jobs", "error", err)
		return
	}
	now := s.now()

	type dueJob struct {
		job    catalog.Job
		fireAt time.Time
	}
	var due []dueJob
	for _, job := range jobs {
		fireAt, ok := job.NextFire(now)
		if !ok || fireAt.After(now) {
			continue
		}
		due = append(due, dueJob{job: job, fireAt: fireAt})
	}
	// ListActiveJobs orders by id; a stable sort keeps that as the
	// tie-break.
	sort.SliceStable(due, func(i, j int) bool { return due[i].fireAt.Before(due[j].fireAt) })

	for _, d := range due {
		s.fire(ctx, d.job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job catalog.Job, now time.Time) {
	if err := s.store.StartRun(ctx, job.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.JobFires.WithLabelValues("suppressed").Inc()
			return
		}
		s.logger.Error("start run", "job_id", job.ID, "error", err)
		return
	}

	msg := &bus.ExtractMessage{
		TenantID:      job.TenantID,
		JobID:         job.ID,
		JobName:       job.JobName,
		IntegrationID: job.IntegrationID,
		Checkpoint:    job.CheckpointData,
	}
	if err := s.pub.Publish(ctx, msg); err != nil {
		// Bus outage: skip this tick without burning a retry.
		s.logger.Warn("extract publish failed, reverting fire", "job_id", job.ID, "error", err)
		if revertErr := s.store.RevertFire(ctx, job.ID); revertErr != nil {
			s.logger.Error("revert fire", "job_id", job.ID, "error", revertErr)
		}
		metrics.JobFires.WithLabelValues("skipped").Inc()
		return
	}

	metrics.JobFires.WithLabelValues("fired").Inc()
	s.logger.Info("job fired", "job_id", job.ID, "tenant_id", job.TenantID, "job_name", job.JobName)
}

// ReportRunStarted is the extract worker's acknowledgement that it
// picked up the run.
func (s *Scheduler) ReportRunStarted(ctx context.Context, jobID int64) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("report run started", "job_id", jobID, "error", err)
		return
	}
	s.events.Publish(progress.StatusChange(job.TenantID, job.JobName, catalog.JobStatusRunning, ""))
}

// ReportRunFinished closes a run: the job transitions to FINISHED or
// FAILED, status and completion events fan out, and the fire loop wakes
// to recompute the job's next fire.
func (s *Scheduler) ReportRunFinished(ctx context.Context, jobID int64, success bool, errMsg string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("report run finished for job %d: %w", jobID, err)
	}

	if err := s.store.FinishRun(ctx, jobID, success, errMsg, s.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The row left RUNNING under us, swept or admin-reset; that
			// transition already emitted its own events.
			s.logger.Warn("run finished for a job no longer running", "job_id", jobID)
			return nil
		}
		return err
	}

	status := catalog.JobStatusFinished
	summary := "run completed"
	if !success {
		status = catalog.JobStatusFailed
		summary = errMsg
		metrics.RunsFinished.WithLabelValues("failure").Inc()
	} else {
		metrics.RunsFinished.WithLabelValues("success").Inc()
	}
	s.events.Publish(progress.StatusChange(job.TenantID, job.JobName, status, errMsg))
	s.events.Publish(progress.Completion(job.TenantID, job.JobName, success, summary))

	s.logger.Info("run finished", "job_id", jobID, "success", success)
	s.Wake()
	return nil
}

// Wake nudges the fire loop without waiting for the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetJobActive toggles a job in or out of the fire queue. A running job
// completes its current run either way.
func (s *Scheduler) SetJobActive(ctx context.Context, jobID int64, active bool) error {
	if err := s.store.SetJobActive(ctx, jobID, active); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// UpdateIntervals changes a job's cadences.
func (s *Scheduler) UpdateIntervals(ctx context.Context, jobID int64, scheduleMinutes, retryMinutes int) error {
	if err := s.store.UpdateJobIntervals(ctx, jobID, scheduleMinutes, retryMinutes); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// ResetCheckpoint rewinds a job to scratch. This is the only sanctioned
// checkpoint rewind.
func (s *Scheduler) ResetCheckpoint(ctx context.Context, jobID int64) error {
	if err := s.store.ResetCheckpoint(ctx, jobID); err != nil {
		return err
	}
	if job, err := s.store.GetJob(ctx, jobID); err == nil {
		s.events.Publish(progress.StatusChange(job.TenantID, job.JobName, catalog.JobStatusReady, "checkpoint reset"))
	}
	s.Wake()
	return nil
}

// CancelRun flags the running job for cancellation. The extract worker
// observes the flag between pages; the checkpoint survives.
func (s *Scheduler) CancelRun(ctx context.Context, jobID int64) error {
	return s.store.RequestCancel(ctx, jobID)
}
