// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobFires counts scheduler fire attempts by outcome: fired,
	// suppressed, or skipped (bus outage).
	JobFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_job_fires_total",
		Help: "Scheduler fire attempts by outcome.",
	}, []string{"outcome"})

	// RunsFinished counts completed runs by outcome.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_runs_finished_total",
		Help: "Job runs finished by outcome.",
	}, []string{"outcome"})

	// PagesStaged counts raw pages written to staging.
	PagesStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tributary_pages_staged_total",
		Help: "Raw pages durably staged by the extract stage.",
	})

	// BatchesProcessed counts pipeline messages by stage and outcome.
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_batches_processed_total",
		Help: "Pipeline messages processed by stage and outcome.",
	}, []string{"stage", "outcome"})

	// EntitiesLoaded counts canonical upserts by entity kind.
	EntitiesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_entities_loaded_total",
		Help: "Canonical entities upserted by kind.",
	}, []string{"kind"})

	// VectorsUpserted counts embedding writes to the vector store.
	VectorsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tributary_vectors_upserted_total",
		Help: "Vectors written to the vector store.",
	})

	// Subscribers tracks currently connected progress subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tributary_subscribers",
		Help: "Connected progress subscribers.",
	})

	// EventsDropped counts progress events dropped for slow subscribers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tributary_events_dropped_total",
		Help: "Progress events dropped because a subscriber fell behind.",
	})
)
