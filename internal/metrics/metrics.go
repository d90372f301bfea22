// Package metrics registers the Prometheus collectors for the sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Total number of account sync runs",
		},
		[]string{"provider", "kind", "result"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Duration of account sync runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "kind"},
	)

	MessagesSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_synced_total",
			Help: "Messages written by reconciliation, by operation",
		},
		[]string{"provider", "op"},
	)

	FoldersSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_folders_synced_total",
			Help: "Folders written by reconciliation, by operation",
		},
		[]string{"provider", "op"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_provider_calls_total",
			Help: "Provider API calls by operation and outcome",
		},
		[]string{"provider", "op", "outcome"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_queue_depth",
			Help: "Number of sync tasks waiting in the queue",
		},
	)

	RunningSyncs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_running_syncs",
			Help: "Number of account syncs currently running",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_outbox_published_total",
			Help: "Outbox events handed to NATS, by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_http_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_http_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
