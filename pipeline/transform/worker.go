package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/catalog"
	"github.com/tributary-io/tributary/faults"
	"github.com/tributary-io/tributary/metrics"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/progress"
	"github.com/tributary-io/tributary/store"
)

// maxDeliveries mirrors the consumer's MaxDeliver: after this many
// attempts the batch is dead-lettered instead of retried.
const maxDeliveries = 3

// Store is the relational surface the worker needs.
type Store interface {
	GetRawBatch(ctx context.Context, tenantID int64, batchID string) (*store.RawBatch, error)
	ListMappings(ctx context.Context, tenantID int64) (map[string]string, error)
	MarkBatchConsumed(ctx context.Context, tenantID int64, batchID string, at time.Time) error
}

// Config sizes the worker pool.
type Config struct {
	Workers  int
	Prefetch int
	AckWait  time.Duration
}

// DefaultConfig returns the transform pool defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, Prefetch: 4, AckWait: 2 * time.Minute}
}

// Worker consumes transform messages, applies the kind-specific
// normalizer, and fans canonical drafts to the load stage. It is
// stateless across messages; the status mappings are re-read per batch.
type Worker struct {
	cfg         Config
	queue       pipeline.Queue
	store       Store
	tracker     *pipeline.RunTracker
	events      *progress.Broker
	logger      *slog.Logger
	normalizers map[string]Normalizer

	running      bool
	startTime    time.Time
	lastActivity atomic.Int64
	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds the worker with the given normalizers.
func New(cfg Config, queue pipeline.Queue, st Store, tracker *pipeline.RunTracker,
	events *progress.Broker, logger *slog.Logger, normalizers ...Normalizer) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultConfig().Prefetch
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultConfig().AckWait
	}
	byKind := make(map[string]Normalizer, len(normalizers))
	for _, n := range normalizers {
		byKind[n.Kind()] = n
	}
	return &Worker{
		cfg:         cfg,
		queue:       queue,
		store:       st,
		tracker:     tracker,
		events:      events,
		logger:      logger.With("component", "transform-worker"),
		normalizers: byKind,
	}
}

// Start launches the consumer pool.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("transform worker already running")
	}

	consumer, err := w.queue.Consumer(ctx, bus.StageTransform, "transform-workers", w.cfg.AckWait)
	if err != nil {
		return fmt.Errorf("create transform consumer: %w", err)
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

// Stop drains the pool.
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

	var m bus.TransformMessage
	if err := bus.Decode(msg.Data(), &m); err != nil {
		// The payload is opaque here, so there is no job id to retire a
		// batch against; the DLQ entry is the only trace.
		w.deadLetter(ctx, msg, &m, err)
		return
	}

	raw, err := w.store.GetRawBatch(ctx, m.TenantID, m.BatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Purged, or a batch id that does not belong to this tenant.
			w.deadLetter(ctx, msg, &m, fmt.Errorf("raw batch %s not found for tenant %d", m.BatchID, m.TenantID))
			w.tracker.BatchFailed(m.JobID, "raw batch missing")
			return
		}
		w.handleFailure(ctx, msg, &m, fmt.Errorf("get raw batch %s: %w", m.BatchID, err))
		return
	}

	normalizer, ok := w.normalizers[raw.Kind]
	if !ok {
		w.deadLetter(ctx, msg, &m, fmt.Errorf("no normalizer for batch kind %q", raw.Kind))
		w.tracker.BatchFailed(m.JobID, fmt.Sprintf("unknown batch kind %q", raw.Kind))
		return
	}

	mappings, err := w.store.ListMappings(ctx, m.TenantID)
	if err != nil {
		w.handleFailure(ctx, msg, &m, fmt.Errorf("list status mappings: %w", err))
		return
	}

	drafts, softErrors, err := normalizer.Normalize(m.TenantID, raw.Payload, mappings)
	if err != nil {
		// Structural corruption is fatal for the batch, never for the run's
		// other batches.
		w.deadLetter(ctx, msg, &m, err)
		w.tracker.BatchFailed(m.JobID, err.Error())
		return
	}

	if err := w.queue.Publish(ctx, &bus.LoadMessage{
		TenantID: m.TenantID,
		JobID:    m.JobID,
		JobName:  m.JobName,
		BatchID:  m.BatchID,
		Entities: drafts,
	}); err != nil {
		w.handleFailure(ctx, msg, &m, fmt.Errorf("publish load message: %w", err))
		return
	}

	if err := w.store.MarkBatchConsumed(ctx, m.TenantID, m.BatchID, time.Now().UTC()); err != nil {
		w.logger.Warn("mark batch consumed", "batch_id", m.BatchID, "error", err)
	}

	for _, soft := range softErrors {
		w.events.Publish(progress.Progress(m.TenantID, m.JobName, nil, "warning: "+soft))
	}
	w.events.Publish(progress.Progress(m.TenantID, m.JobName, nil,
		fmt.Sprintf("normalized batch %s: %d entities", m.BatchID, len(drafts))))

	metrics.BatchesProcessed.WithLabelValues(string(bus.StageTransform), "ok").Inc()
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack transform message", "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg jetstream.Msg, m *bus.TransformMessage, cause error) {
	if err := w.queue.DeadLetter(ctx, bus.StageTransform, msg.Data(), cause.Error()); err != nil {
		w.logger.Error("dead-letter transform message", "error", err)
	}
	if faults.IsProtocol(cause) && m.TenantID != 0 {
		w.events.Publish(progress.StatusChange(m.TenantID, m.JobName, catalog.JobStatusFailed, "protocol error"))
	}
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack dead-lettered message", "error", err)
	}
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageTransform), "dead-lettered").Inc()
}

// handleFailure retries transient failures through redelivery and gives
// up after maxDeliveries, retiring the batch as failed so the run can
// close instead of waiting out the abandonment sweep.
func (w *Worker) handleFailure(ctx context.Context, msg jetstream.Msg, m *bus.TransformMessage, cause error) {
	meta, metaErr := msg.Metadata()
	if metaErr == nil && meta.NumDelivered >= maxDeliveries {
		w.logger.Error("transform batch failed permanently", "batch_id", m.BatchID, "error", cause)
		if err := w.queue.DeadLetter(ctx, bus.StageTransform, msg.Data(), cause.Error()); err != nil {
			w.logger.Error("dead-letter transform message", "error", err)
		}
		w.tracker.BatchFailed(m.JobID, cause.Error())
		_ = msg.Ack()
		metrics.BatchesProcessed.WithLabelValues(string(bus.StageTransform), "dead-lettered").Inc()
		return
	}

	w.logger.Warn("transform batch failed, retrying", "batch_id", m.BatchID, "error", cause)
	if err := msg.Nak(); err != nil {
		w.logger.Warn("nak transform message", "error", err)
	}
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageTransform), "retried").Inc()
}
