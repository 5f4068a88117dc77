// Package observability provides Prometheus metrics for the monitor.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "rangeguard"

// Metrics holds all Prometheus metrics for the application.
// Each instance owns its registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	// Price feed
	PriceUpdates     *prometheus.CounterVec
	SkippedSwaps     prometheus.Counter
	StreamReconnects prometheus.Counter
	MonitoredPools   prometheus.Gauge

	// Registry
	TrackedPositions prometheus.Gauge
	OutOfRange       prometheus.Gauge
	StatusChanges    *prometheus.CounterVec

	// Notifications
	NotificationsCreated   prometheus.Counter
	NotificationsThrottled prometheus.Counter
	NotificationOutcomes   *prometheus.CounterVec
	NotificationQueueDepth prometheus.Gauge
	DeliveryLatency        prometheus.Histogram

	// Gateway
	ConnectedClients prometheus.Gauge
	AuthFailures     prometheus.Counter
	MessagesSent     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PriceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "price_updates_total",
			Help:      "Price updates emitted by the feed, by pool",
		}, []string{"pool"}),
		SkippedSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "skipped_swaps_total",
			Help:      "Swap records skipped because they were malformed",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "stream_reconnects_total",
			Help:      "Resubscriptions triggered by stream errors",
		}),
		MonitoredPools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "monitored_pools",
			Help:      "Pools in the current subscription filter",
		}),

		TrackedPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tracked_positions",
			Help:      "Positions currently monitored",
		}),
		OutOfRange: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "out_of_range_positions",
			Help:      "Monitored positions currently out of range",
		}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "status_changes_total",
			Help:      "Range transitions, by direction",
		}, []string{"direction"}),

		NotificationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "created_total",
			Help:      "Notifications enqueued",
		}),
		NotificationsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "throttled_total",
			Help:      "Notifications dropped by the per-position cooldown",
		}),
		NotificationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts, by outcome (sent, retry, failed)",
		}, []string{"outcome"}),
		NotificationQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Notifications waiting in the delivery queue",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivery_seconds",
			Help:      "Latency of delivery handler calls",
			Buckets:   prometheus.DefBuckets,
		}),

		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connected_clients",
			Help:      "Authenticated websocket connections",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_sent_total",
			Help:      "Messages pushed to clients, by type",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PriceUpdates, m.SkippedSwaps, m.StreamReconnects, m.MonitoredPools,
		m.TrackedPositions, m.OutOfRange, m.StatusChanges,
		m.NotificationsCreated, m.NotificationsThrottled, m.NotificationOutcomes,
		m.NotificationQueueDepth, m.DeliveryLatency,
		m.ConnectedClients, m.AuthFailures, m.MessagesSent,
	)

	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NewNopMetrics returns metrics that are registered nowhere shared; handy for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics("test")
}
