package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce                sync.Once
	apiRequestsTotal            *prometheus.CounterVec
	apiLatencySeconds           *prometheus.HistogramVec
	apiErrorsTotal              *prometheus.CounterVec
	realtimeConnectionsActive   prometheus.Gauge
	realtimeEventsTotal         *prometheus.CounterVec
	broadcastDeliveriesTotal    *prometheus.CounterVec
	messagesPostedTotal         *prometheus.CounterVec
	notificationDeliveriesTotal *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and realtime pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		realtimeConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Websocket connections attached to this node.",
		})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Inbound websocket actions by outcome.",
		}, []string{"action", "outcome"})

		broadcastDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_deliveries_total",
			Help: "Per-connection broadcast sends by scope and outcome.",
		}, []string{"scope", "outcome"})

		messagesPostedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_posted_total",
			Help: "Messages appended to channels by type.",
		}, []string{"type"})

		notificationDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification channel deliveries by outcome.",
		}, []string{"channel", "outcome"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			realtimeConnectionsActive,
			realtimeEventsTotal,
			broadcastDeliveriesTotal,
			messagesPostedTotal,
			notificationDeliveriesTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// RealtimeConnectionsActive exposes the gauge of locally attached connections.
func RealtimeConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnectionsActive
}

// RealtimeEvents exposes the inbound action counter.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// BroadcastDeliveries exposes the fanout counter.
func BroadcastDeliveries() *prometheus.CounterVec {
	RegisterMetrics()
	return broadcastDeliveriesTotal
}

// MessagesPosted exposes the message counter.
func MessagesPosted() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesPostedTotal
}

// NotificationDeliveries exposes the notification channel counter.
func NotificationDeliveries() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationDeliveriesTotal
}
