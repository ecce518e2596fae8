package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tributary-io/tributary/auth"
	"github.com/tributary-io/tributary/bus"
	"github.com/tributary-io/tributary/config"
	"github.com/tributary-io/tributary/creds"
	"github.com/tributary-io/tributary/gateway"
	"github.com/tributary-io/tributary/integration"
	scmadapter "github.com/tributary-io/tributary/integration/scm"
	trackeradapter "github.com/tributary-io/tributary/integration/tracker"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/pipeline/extract"
	"github.com/tributary-io/tributary/pipeline/load"
	"github.com/tributary-io/tributary/pipeline/transform"
	"github.com/tributary-io/tributary/pipeline/vectorize"
	"github.com/tributary-io/tributary/progress"
	"github.com/tributary-io/tributary/scheduler"
	"github.com/tributary-io/tributary/store"
	"github.com/tributary-io/tributary/vector"
)

// App wires every component of the service together. All stages run in
// this one process and share the in-process run tracker, so a run closes
// exactly once no matter which stage retires its last batch.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	queue          *bus.Bus

	// Storage
	store   *store.Store
	vectors *vector.RedisStore

	// Components
	broker    *progress.Broker
	scheduler *scheduler.Scheduler
	extract   *extract.Worker
	transform *transform.Worker
	load      *load.Worker
	vectorize *vectorize.Worker
	gateway   *gateway.Server

	metricsSrv *http.Server
	gcCancel   context.CancelFunc
	wg         sync.WaitGroup
}

// NewApp creates an application instance. Nothing is connected until
// Start.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start connects the infrastructure and launches every component.
func (a *App) Start(ctx context.Context) error {
	js, err := a.startNATS(ctx)
	if err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	a.queue, err = bus.New(ctx, js, a.logger)
	if err != nil {
		return fmt.Errorf("initialize bus: %w", err)
	}

	a.store, err = store.Open(ctx, a.cfg.Postgres.DSN, a.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := a.store.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	credStore, err := creds.NewSQLStore(a.store, a.cfg.Creds.Key)
	if err != nil {
		return fmt.Errorf("initialize credential store: %w", err)
	}

	a.vectors, err = vector.NewRedisStore(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	embedder, err := a.buildEmbedder()
	if err != nil {
		return err
	}

	a.broker = progress.NewBroker(a.logger)
	a.scheduler = scheduler.New(a.store, a.queue, a.broker, a.logger,
		scheduler.WithTick(a.cfg.Scheduler.Tick))

	// The tracker's close callback is how the pipeline hands a finished
	// run back to the scheduler.
	tracker := pipeline.NewRunTracker(func(jobID int64, success bool, errMsg string) {
		if err := a.scheduler.ReportRunFinished(context.Background(), jobID, success, errMsg); err != nil {
			a.logger.Error("report run finished", "job_id", jobID, "error", err)
		}
	})

	registry := integration.NewRegistry(trackeradapter.New(nil), scmadapter.New(nil))

	a.extract = extract.New(extract.Config{Workers: a.cfg.Workers.Extract},
		a.queue, a.store, credStore, registry, tracker, a.scheduler, a.broker, a.logger)
	a.transform = transform.New(transform.Config{Workers: a.cfg.Workers.Transform},
		a.queue, a.store, tracker, a.broker, a.logger,
		transform.TrackerNormalizer{}, transform.SCMNormalizer{})
	a.load = load.New(load.Config{Workers: a.cfg.Workers.Load},
		a.queue, a.store, tracker, a.broker, a.logger)
	a.vectorize = vectorize.New(vectorize.Config{Workers: a.cfg.Workers.Vectorize},
		a.queue, a.store, a.vectors, embedder, a.logger)

	validator := auth.NewHTTPValidator(a.cfg.Auth.BaseURL, nil)
	a.gateway = gateway.New(gateway.Config{
		Addr:         a.cfg.Gateway.Addr,
		PingInterval: a.cfg.Gateway.PingInterval,
	}, validator, a.broker, a.logger)

	if err := a.extract.Start(ctx); err != nil {
		return fmt.Errorf("start extract worker: %w", err)
	}
	if err := a.transform.Start(ctx); err != nil {
		return fmt.Errorf("start transform worker: %w", err)
	}
	if err := a.load.Start(ctx); err != nil {
		return fmt.Errorf("start load worker: %w", err)
	}
	if err := a.vectorize.Start(ctx); err != nil {
		return fmt.Errorf("start vectorize worker: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	a.startMetrics()
	a.startStagingGC()

	a.logger.Info("tributary ready",
		"gateway", a.cfg.Gateway.Addr,
		"metrics", a.cfg.Metrics.Addr,
		"embedder", a.cfg.Embedder.Provider)
	return nil
}

func (a *App) buildEmbedder() (vector.Embedder, error) {
	switch a.cfg.Embedder.Provider {
	case "hash":
		a.logger.Warn("using deterministic hash embedder; vectors are not semantic")
		return vector.NewHashEmbedder(0), nil
	default:
		return vector.NewOpenAIEmbedder(a.cfg.Embedder.APIKey, a.cfg.Embedder.Model, a.logger)
	}
}

func (a *App) startNATS(ctx context.Context) (jetstream.JetStream, error) {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return nil, fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return js, nil
}

func (a *App) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(map[string]pipeline.HealthStatus{
			"extract":   a.extract.Health(),
			"transform": a.transform.Health(),
			"load":      a.load.Health(),
			"vectorize": a.vectorize.Health(),
		})
		if err != nil {
			a.logger.Warn("encode health response", "error", err)
		}
	})
	a.metricsSrv = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics serve", "error", err)
		}
	}()
}

// startStagingGC purges consumed raw batches past their retention window.
func (a *App) startStagingGC() {
	gcCtx, cancel := context.WithCancel(context.Background())
	a.gcCancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Staging.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gcCtx.Done():
				return
			case <-ticker.C:
				purged, err := a.store.PurgeExpiredBatches(gcCtx, a.cfg.Staging.Retention, time.Now().UTC())
				if err != nil {
					a.logger.Warn("purge expired batches", "error", err)
					continue
				}
				if purged > 0 {
					a.logger.Info("purged expired raw batches", "count", purged)
				}
			}
		}
	}()
}

// Shutdown stops components in dependency order: the scheduler first so
// no new runs fire, then the stages, then the edges and infrastructure.
func (a *App) Shutdown() {
	a.logger.Info("shutting down")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.extract != nil {
		a.extract.Stop()
	}
	if a.transform != nil {
		a.transform.Stop()
	}
	if a.load != nil {
		a.load.Stop()
	}
	if a.vectorize != nil {
		a.vectorize.Stop()
	}
	if a.gateway != nil {
		a.gateway.Stop()
	}

	if a.gcCancel != nil {
		a.gcCancel()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics shutdown", "error", err)
		}
		cancel()
	}
	a.wg.Wait()

	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("drain NATS connection", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}
