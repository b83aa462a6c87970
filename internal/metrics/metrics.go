// Package metrics registers the prometheus collectors for the fan-out core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveStreams tracks live upstream feeds by activation mode.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atstream_active_streams",
		Help: "Active upstream streams by activation mode (native or polling).",
	}, []string{"mode"})

	// PublishedMessages counts normalized messages published to the bus.
	PublishedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atstream_published_messages_total",
		Help: "Messages published to the bus by stream kind and provider.",
	}, []string{"kind", "provider"})

	// SuppressedPolls counts poll cycles skipped by content hashing.
	SuppressedPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atstream_suppressed_polls_total",
		Help: "Polling cycles suppressed because the payload was unchanged.",
	}, []string{"kind", "provider"})

	// PollErrors counts polling cycles that failed, by error kind.
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atstream_poll_errors_total",
		Help: "Polling cycles that returned an error.",
	}, []string{"kind", "provider", "error"})

	// WSConnections tracks currently open client WebSocket connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atstream_ws_connections",
		Help: "Open client WebSocket connections.",
	})

	// ActiveViews tracks registered client views.
	ActiveViews = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atstream_active_views",
		Help: "Registered (connection, view) subscriptions.",
	})

	// OutboundDropped counts messages shed from full client queues.
	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atstream_outbound_dropped_total",
		Help: "Outbound frames dropped due to client backpressure.",
	})

	// SnapshotBars observes the size of initial OHLCV snapshots.
	SnapshotBars = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atstream_snapshot_bars",
		Help:    "Bars delivered in initial OHLCV snapshots.",
		Buckets: []float64{0, 10, 50, 100, 200, 500, 1000},
	})
)
