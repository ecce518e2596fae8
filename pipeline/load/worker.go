// Package load upserts canonical drafts into the relational store under
// tenant-scoped transactions and fans changed-text entities to the
// vectorize stage. Retiring a batch here is what closes its job run.
package load

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
	"github.com/tributary-io/tributary/canonical"
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
	LoadBatch(ctx context.Context, tenantID int64, drafts []canonical.Draft) (*store.LoadResult, error)
}

// Config sizes the worker pool.
type Config struct {
	Workers  int
	Prefetch int
	AckWait  time.Duration
}

// DefaultConfig returns the load pool defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, Prefetch: 4, AckWait: 2 * time.Minute}
}

// Worker consumes load messages.
type Worker struct {
	cfg     Config
	queue   pipeline.Queue
	store   Store
	tracker *pipeline.RunTracker
	events  *progress.Broker
	logger  *slog.Logger

	running      bool
	startTime    time.Time
	lastActivity atomic.Int64
	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds the worker.
func New(cfg Config, queue pipeline.Queue, st Store, tracker *pipeline.RunTracker,
	events *progress.Broker, logger *slog.Logger) *Worker {
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
		cfg:     cfg,
		queue:   queue,
		store:   st,
		tracker: tracker,
		events:  events,
		logger:  logger.With("component", "load-worker"),
	}
}

// Start launches the consumer pool.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("load worker already running")
	}

	consumer, err := w.queue.Consumer(ctx, bus.StageLoad, "load-workers", w.cfg.AckWait)
	if err != nil {
		return fmt.Errorf("create load consumer: %w", err)
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

	var m bus.LoadMessage
	if err := bus.Decode(msg.Data(), &m); err != nil {
		if err := w.queue.DeadLetter(ctx, bus.StageLoad, msg.Data(), err.Error()); err != nil {
			w.logger.Error("dead-letter load message", "error", err)
		}
		_ = msg.Ack()
		metrics.BatchesProcessed.WithLabelValues(string(bus.StageLoad), "dead-lettered").Inc()
		return
	}

	result, err := w.store.LoadBatch(ctx, m.TenantID, m.Entities)
	if err != nil {
		w.handleFailure(ctx, msg, &m, err)
		return
	}

	for _, soft := range result.SoftErrors {
		w.events.Publish(progress.Progress(m.TenantID, m.JobName, nil, "warning: "+soft))
	}

	for _, cand := range result.Vectorize {
		vmsg := &bus.VectorizeMessage{
			TenantID:        m.TenantID,
			JobID:           m.JobID,
			JobName:         m.JobName,
			BatchID:         m.BatchID,
			EntityKind:      cand.EntityKind,
			EntityID:        cand.EntityID,
			TextFingerprint: cand.Fingerprint,
		}
		if err := w.queue.Publish(ctx, vmsg); err != nil {
			// Vectorization never blocks run completion; the entity stays
			// flagged by its fingerprint until a later run.
			w.logger.Warn("publish vectorize message", "entity_id", cand.EntityID, "error", err)
		}
	}

	for i := range m.Entities {
		metrics.EntitiesLoaded.WithLabelValues(string(m.Entities[i].Kind)).Inc()
	}
	w.events.Publish(progress.Progress(m.TenantID, m.JobName, nil,
		fmt.Sprintf("loaded %d entities", result.Loaded)))

	w.tracker.BatchDone(m.JobID)
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageLoad), "ok").Inc()
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack load message", "error", err)
	}
}

// handleFailure retries transient store failures through redelivery and
// gives up after maxDeliveries, retiring the batch as failed so the run
// can close.
func (w *Worker) handleFailure(ctx context.Context, msg jetstream.Msg, m *bus.LoadMessage, cause error) {
	meta, metaErr := msg.Metadata()
	if metaErr == nil && meta.NumDelivered >= maxDeliveries {
		w.logger.Error("load batch failed permanently", "batch_id", m.BatchID, "error", cause)
		if err := w.queue.DeadLetter(ctx, bus.StageLoad, msg.Data(), cause.Error()); err != nil {
			w.logger.Error("dead-letter load message", "error", err)
		}
		w.tracker.BatchFailed(m.JobID, cause.Error())
		_ = msg.Ack()
		metrics.BatchesProcessed.WithLabelValues(string(bus.StageLoad), "dead-lettered").Inc()
		return
	}

	w.logger.Warn("load batch failed, retrying", "batch_id", m.BatchID, "error", cause)
	if err := msg.Nak(); err != nil {
		w.logger.Warn("nak load message", "error", err)
	}
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageLoad), "retried").Inc()
}
