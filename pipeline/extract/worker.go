// Package extract runs one extraction per received message: it resolves
// the integration and its credentials, builds the adapter's plan from
// the checkpoint snapshot, and streams pages into raw staging. The
// checkpoint on the job row advances only after a page is durably staged
// and its transform message published.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/catalog"
	"github.com/tributary-io/tributary/creds"
	"github.com/tributary-io/tributary/integration"
	"github.com/tributary-io/tributary/metrics"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/progress"
	"github.com/tributary-io/tributary/store"

	"github.com/nats-io/nats.go/jetstream"
)

// Store is the relational surface the worker needs.
type Store interface {
	GetIntegration(ctx context.Context, id int64) (*catalog.Integration, error)
	StageRawBatch(ctx context.Context, b *store.RawBatch) error
	UpdateCheckpoint(ctx context.Context, jobID int64, checkpoint json.RawMessage) error
	CancelRequested(ctx context.Context, jobID int64) (bool, error)
}

// Reporter closes the scheduler loop for a run.
type Reporter interface {
	ReportRunStarted(ctx context.Context, jobID int64)
	ReportRunFinished(ctx context.Context, jobID int64, success bool, errMsg string) error
}

// Config sizes the worker pool.
type Config struct {
	Workers  int
	Prefetch int
	AckWait  time.Duration
}

// DefaultConfig returns the extract pool defaults. Extraction is IO
// bound on remote pagination, so the pool stays small.
func DefaultConfig() Config {
	return Config{Workers: 2, Prefetch: 1, AckWait: 5 * time.Minute}
}

// Worker consumes extract messages and executes runs.
type Worker struct {
	cfg      Config
	queue    pipeline.Queue
	store    Store
	creds    creds.Store
	adapters *integration.Registry
	tracker  *pipeline.RunTracker
	reporter Reporter
	events   *progress.Broker
	logger   *slog.Logger

	running      bool
	startTime    time.Time
	lastActivity atomic.Int64
	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds the worker.
func New(cfg Config, queue pipeline.Queue, st Store, cr creds.Store, adapters *integration.Registry,
	tracker *pipeline.RunTracker, reporter Reporter, events *progress.Broker, logger *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultConfig().Prefetch
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultConfig().AckWait
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		store:    st,
		creds:    cr,
		adapters: adapters,
		tracker:  tracker,
		reporter: reporter,
		events:   events,
		logger:   logger.With("component", "extract-worker"),
	}
}

// Start launches the consumer pool.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("extract worker already running")
	}

	consumer, err := w.queue.Consumer(ctx, bus.StageExtract, "extract-workers", w.cfg.AckWait)
	if err != nil {
		return fmt.Errorf("create extract consumer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.startTime = time.Now()
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			bus.ConsumeLoop(runCtx, consumer, w.cfg.Prefetch, w.logger, w.handle)
		}()
	}
	return nil
}

// Stop drains the pool. In-flight runs observe the cancellation at the
// next page boundary; their checkpoints stay intact.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

// Health reports the worker pool's liveness.
func (w *Worker) Health() pipeline.HealthStatus {
	w.mu.Lock()
	running, start := w.running, w.startTime
	w.mu.Unlock()
	return pipeline.Health(running, start, w.lastActivity.Load())
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	w.lastActivity.Store(time.Now().UnixNano())

	var m bus.ExtractMessage
	if err := bus.Decode(msg.Data(), &m); err != nil {
		w.deadLetter(ctx, msg, err)
		return
	}

	// Ack before the run: a crash mid-run is recovered by the
	// scheduler's abandonment sweep, not by redelivery, which would
	// violate the single-run guarantee.
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack extract message", "error", err)
	}
	w.run(ctx, &m)
}

func (w *Worker) deadLetter(ctx context.Context, msg jetstream.Msg, cause error) {
	if err := w.queue.DeadLetter(ctx, bus.StageExtract, msg.Data(), cause.Error()); err != nil {
		w.logger.Error("dead-letter extract message", "error", err)
	}
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack dead-lettered message", "error", err)
	}
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageExtract), "dead-lettered").Inc()
}

func (w *Worker) run(ctx context.Context, m *bus.ExtractMessage) {
	w.reporter.ReportRunStarted(ctx, m.JobID)
	w.tracker.Begin(m.JobID)

	integ, err := w.store.GetIntegration(ctx, m.IntegrationID)
	if err != nil {
		w.fail(ctx, m, fmt.Errorf("resolve integration: %w", err))
		return
	}
	if integ.TenantID != m.TenantID {
		w.fail(ctx, m, fmt.Errorf("integration %d does not belong to tenant %d", m.IntegrationID, m.TenantID))
		return
	}

	secret, err := w.creds.GetCredentials(ctx, m.TenantID, m.IntegrationID)
	if err != nil {
		w.fail(ctx, m, fmt.Errorf("resolve credentials: %w", err))
		return
	}

	adapter, err := w.adapters.Adapter(integ.Kind)
	if err != nil {
		w.fail(ctx, m, err)
		return
	}

	sess, err := adapter.Connect(ctx, secret)
	if err != nil {
		w.fail(ctx, m, fmt.Errorf("connect to %s: %w", integ.Kind, err))
		return
	}
	defer sess.Close()

	plan, err := sess.Plan(ctx, integ.BaseSearch, m.Checkpoint)
	if err != nil {
		w.fail(ctx, m, fmt.Errorf("build plan: %w", err))
		return
	}

	pages := 0
	for {
		if ctx.Err() != nil {
			// Shutdown mid-run: leave the row RUNNING and let the
			// abandonment sweep reclaim it on the next boot.
			w.logger.Info("run interrupted by shutdown", "job_id", m.JobID, "pages", pages)
			w.tracker.Abort(m.JobID)
			return
		}

		cancelled, err := w.store.CancelRequested(ctx, m.JobID)
		if err != nil {
			w.logger.Warn("check cancel flag", "job_id", m.JobID, "error", err)
		} else if cancelled {
			w.fail(ctx, m, errors.New("cancelled"))
			return
		}

		page, done, err := plan.FetchPage(ctx)
		if err != nil {
			w.fail(ctx, m, fmt.Errorf("fetch page %d: %w", pages+1, err))
			return
		}
		if done {
			break
		}

		if err := w.stagePage(ctx, m, adapter.BatchKind(), page); err != nil {
			w.fail(ctx, m, err)
			return
		}
		pages++
		metrics.PagesStaged.Inc()

		step := page.Step
		if step == "" {
			step = fmt.Sprintf("processed %d pages of unknown total", pages)
		}
		w.events.Publish(progress.Progress(m.TenantID, m.JobName, page.Percentage, step))
	}

	hundred := 100.0
	w.events.Publish(progress.Progress(m.TenantID, m.JobName, &hundred, "extract complete"))
	w.logger.Info("extraction complete", "job_id", m.JobID, "pages", pages)

	// The run closes once the load stage retires every staged batch.
	w.tracker.ExtractDone(m.JobID)
}

// stagePage persists the page, fans it to transform, and only then
// advances the checkpoint. A crash between those steps replays the page,
// which downstream idempotency absorbs.
func (w *Worker) stagePage(ctx context.Context, m *bus.ExtractMessage, batchKind string, page *integration.Page) error {
	batchID := uuid.NewString()

	if err := w.store.StageRawBatch(ctx, &store.RawBatch{
		BatchID:       batchID,
		TenantID:      m.TenantID,
		IntegrationID: m.IntegrationID,
		Kind:          batchKind,
		Payload:       page.Payload,
		ReceivedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := w.queue.Publish(ctx, &bus.TransformMessage{
		TenantID: m.TenantID,
		JobID:    m.JobID,
		JobName:  m.JobName,
		BatchID:  batchID,
		Kind:     batchKind,
	}); err != nil {
		return fmt.Errorf("publish transform message: %w", err)
	}
	w.tracker.AddBatch(m.JobID)

	if err := w.store.UpdateCheckpoint(ctx, m.JobID, page.Checkpoint); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The job is no longer RUNNING; an admin reset or the
			// abandonment sweep took it over.
			return errors.New("job left RUNNING state mid-run")
		}
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, m *bus.ExtractMessage, cause error) {
	w.tracker.Abort(m.JobID)
	w.logger.Error("run failed", "job_id", m.JobID, "error", cause)
	if err := w.reporter.ReportRunFinished(ctx, m.JobID, false, cause.Error()); err != nil {
		w.logger.Error("report run failure", "job_id", m.JobID, "error", err)
	}
}
