// Package metrics registers the service's Prometheus collectors on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "painchain"

var (
	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_events_total",
		Help:      "Change events handed to the ingestion engine, by source and result (created, duplicate, invalid, error).",
	}, []string{"source", "result"})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_received_total",
		Help:      "Webhook deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})

	ConnectorFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_fetch_failures_total",
		Help:      "Per-repository resource fetches that failed during a sync.",
	}, []string{"provider", "resource"})

	ConnectorEventsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_events_stored_total",
		Help:      "New change events stored by connector syncs.",
	}, []string{"provider"})

	PollJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_jobs_total",
		Help:      "Poll jobs processed, by result (success, skipped, retried, failed).",
	}, []string{"result"})

	PollJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_job_duration_seconds",
		Help:      "Wall time of a poll job, by provider.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
	}, []string{"provider"})

	SchedulerEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_enqueued_total",
		Help:      "Poll jobs enqueued by the scheduler.",
	})

	SchedulerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_pass_duration_seconds",
		Help:      "Time spent listing connections and enqueuing due jobs.",
		Buckets:   prometheus.DefBuckets,
	})
)
