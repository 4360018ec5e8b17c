// Package metrics provides Prometheus metrics for DataCore.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsIngestedTotal tracks records written by CSV/JSON ingestion, per model
	RecordsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Total number of records written by file ingestion",
		},
		[]string{"result"},
	)

	// RecordsPulledTotal tracks records upserted by REDCap pulls
	RecordsPulledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "pull",
			Name:      "records_total",
			Help:      "Total number of records upserted by REDCap pulls",
		},
		[]string{"project"},
	)

	// PullPagesTotal tracks fetched pages by outcome
	PullPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "pull",
			Name:      "pages_total",
			Help:      "Total number of record pages fetched from REDCap",
		},
		[]string{"result"},
	)

	// PullRunsTotal tracks pull runs by final status
	PullRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "pull",
			Name:      "runs_total",
			Help:      "Total number of pull runs by status",
		},
		[]string{"status"},
	)

	// PullDuration tracks pull run duration in seconds
	PullDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "datacore",
			Subsystem: "pull",
			Name:      "duration_seconds",
			Help:      "Duration of pull runs in seconds",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	// RedcapRequestsTotal tracks outbound REDCap API requests
	RedcapRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "redcap",
			Name:      "requests_total",
			Help:      "Total number of REDCap API requests",
		},
		[]string{"content", "status_code"},
	)

	// RedcapRetriesTotal tracks retried REDCap requests
	RedcapRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "redcap",
			Name:      "retries_total",
			Help:      "Total number of retried REDCap API requests",
		},
		[]string{"content"},
	)

	// ExportJobsTotal tracks export jobs by status
	ExportJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "export",
			Name:      "jobs_total",
			Help:      "Total number of export jobs by status",
		},
		[]string{"status", "format"},
	)

	// ExportDuration tracks export job duration in seconds
	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "datacore",
			Subsystem: "export",
			Name:      "duration_seconds",
			Help:      "Duration of export jobs in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"format"},
	)

	// NotificationsTotal tracks notification attempts
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Total number of notification sends by result",
		},
		[]string{"result"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datacore",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacore",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"kind", "status"},
	)
)
