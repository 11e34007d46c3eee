// Package observability declares the miner's prometheus collectors,
// registered once with the default registry via promauto. Grounded on the
// pack's prometheus/client_golang usage pattern. No other package imports
// it and the control plane serves no /metrics route, so the collectors are
// neither updated nor exposed.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pointsminer_events_processed_total",
		Help: "Decoded PubSub events processed by the Event Loop, by kind.",
	}, []string{"kind"})

	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pointsminer_bets_placed_total",
		Help: "Bets placed by the Prediction Engine, by channel.",
	}, []string{"channel_id"})

	PointsBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pointsminer_points_balance",
		Help: "Current points balance per tracked channel.",
	}, []string{"channel_id"})

	PubSubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pointsminer_pubsub_connections",
		Help: "Number of pooled PubSub WebSocket connections currently open.",
	})

	AnalyticsQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pointsminer_analytics_queue_depth",
		Help: "Buffered rows awaiting the next analytics flush, by kind.",
	}, []string{"kind"})
)
