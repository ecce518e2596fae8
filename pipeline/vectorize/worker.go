// Package vectorize embeds changed entity text and upserts vectors into
// the tenant-partitioned vector store. The stage is fully decoupled from
// run completion: an embedding outage delays vectors, never runs.
package vectorize

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
	"github.com/tributary-io/tributary/store"
	"github.com/tributary-io/tributary/vector"
)

// Store is the relational surface the worker needs.
type Store interface {
	IndexableText(ctx context.Context, tenantID int64, entityKind string, entityID int64) (string, string, error)
}

// Config sizes the worker pool.
type Config struct {
	Workers  int
	Prefetch int
	AckWait  time.Duration
}

// DefaultConfig returns the vectorize pool defaults. The ack wait covers
// the embedding retry budget.
func DefaultConfig() Config {
	return Config{Workers: 2, Prefetch: 8, AckWait: 5 * time.Minute}
}

// Worker consumes vectorize messages.
type Worker struct {
	cfg      Config
	queue    pipeline.Queue
	store    Store
	vectors  vector.Store
	embedder vector.Embedder
	logger   *slog.Logger

	running      bool
	startTime    time.Time
	lastActivity atomic.Int64
	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds the worker.
func New(cfg Config, queue pipeline.Queue, st Store, vectors vector.Store,
	embedder vector.Embedder, logger *slog.Logger) *Worker {
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
		vectors:  vectors,
		embedder: embedder,
		logger:   logger.With("component", "vectorize-worker"),
	}
}

// Start launches the consumer pool.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("vectorize worker already running")
	}

	consumer, err := w.queue.Consumer(ctx, bus.StageVectorize, "vectorize-workers", w.cfg.AckWait)
	if err != nil {
		return fmt.Errorf("create vectorize consumer: %w", err)
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

	var m bus.VectorizeMessage
	if err := bus.Decode(msg.Data(), &m); err != nil {
		if err := w.queue.DeadLetter(ctx, bus.StageVectorize, msg.Data(), err.Error()); err != nil {
			w.logger.Error("dead-letter vectorize message", "error", err)
		}
		_ = msg.Ack()
		metrics.BatchesProcessed.WithLabelValues(string(bus.StageVectorize), "dead-lettered").Inc()
		return
	}

	text, _, err := w.store.IndexableText(ctx, m.TenantID, m.EntityKind, m.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Entity gone since the load; nothing to embed.
			_ = msg.Ack()
			return
		}
		w.nak(msg)
		return
	}
	if text == "" {
		_ = msg.Ack()
		return
	}

	// Fingerprint the text as it is NOW; the message's fingerprint may be
	// stale if the entity was updated again since the load.
	fingerprint := canonical.Fingerprint(text)
	kind := canonical.EntityKind(m.EntityKind)

	current, err := w.vectors.Fingerprint(ctx, m.TenantID, kind, m.EntityID)
	if err != nil {
		w.nak(msg)
		return
	}
	if current == fingerprint {
		// Replay or concurrent duplicate; the current vector stands.
		_ = msg.Ack()
		return
	}

	embeddings, err := w.embedder.Embed(ctx, []string{text})
	if err != nil {
		// Retries are spent inside Embed. Skip the entity; its fingerprint
		// mismatch keeps it flagged for the next run.
		w.logger.Warn("embedding failed, entity skipped",
			"tenant_id", m.TenantID, "entity_kind", m.EntityKind, "entity_id", m.EntityID, "error", err)
		_ = msg.Ack()
		metrics.BatchesProcessed.WithLabelValues(string(bus.StageVectorize), "skipped").Inc()
		return
	}

	if err := w.vectors.Upsert(ctx, vector.Record{
		TenantID:    m.TenantID,
		EntityKind:  kind,
		EntityID:    m.EntityID,
		Fingerprint: fingerprint,
		Model:       w.embedder.Model(),
		Embedding:   embeddings[0],
	}); err != nil {
		w.logger.Warn("vector upsert failed", "entity_id", m.EntityID, "error", err)
		w.nak(msg)
		return
	}

	metrics.VectorsUpserted.Inc()
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageVectorize), "ok").Inc()
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack vectorize message", "error", err)
	}
}

func (w *Worker) nak(msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		w.logger.Warn("nak vectorize message", "error", err)
	}
	metrics.BatchesProcessed.WithLabelValues(string(bus.StageVectorize), "retried").Inc()
}
