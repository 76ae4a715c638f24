// Package metrics holds the prometheus collectors shared by the client
// engine and the gotchatd server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EchoPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gotchat_echo_pending",
		Help: "Local echoes waiting for confirmation.",
	})

	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_submissions_total",
		Help: "Message submissions by outcome.",
	}, []string{"result"})

	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_snapshots_total",
		Help: "Room snapshots received by outcome (applied, coalesced, stale).",
	}, []string{"outcome"})

	StreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_stream_errors_total",
		Help: "Room stream errors by kind.",
	}, []string{"kind"})

	PhotoUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_photo_uploads_total",
		Help: "Photo uploads by outcome.",
	}, []string{"result"})

	ReconcileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gotchat_reconcile_seconds",
		Help:    "Time spent reconciling and diffing the feed.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
	})

	PersistedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_persisted_messages_total",
		Help: "Messages persisted by backend (deduplicated retries excluded).",
	}, []string{"backend"})

	PushConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gotchat_push_connections",
		Help: "Open websocket stream connections.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_http_requests_total",
		Help: "API requests by method and status code.",
	}, []string{"method", "code"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gotchat_rate_limited_total",
		Help: "API requests rejected by the rate limiter.",
	})

	DiskUsedRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gotchat_disk_used_ratio",
		Help: "Used fraction of the filesystem holding the store.",
	})

	Compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotchat_compactions_total",
		Help: "Scheduled store compactions by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		EchoPending,
		Submissions,
		Snapshots,
		StreamErrors,
		PhotoUploads,
		ReconcileSeconds,
		PersistedMessages,
		PushConnections,
		HTTPRequests,
		RateLimited,
		DiskUsedRatio,
		Compactions,
	)
}

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
