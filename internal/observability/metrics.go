package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce               sync.Once
	httpRequestsTotal          *prometheus.CounterVec
	httpLatencySeconds         *prometheus.HistogramVec
	chatMessagesSentTotal      *prometheus.CounterVec
	chatSessionsActive         prometheus.Gauge
	scheduleTransitionsTotal   *prometheus.CounterVec
	scheduleConflictsTotal     *prometheus.CounterVec
	realtimeEventsTotal        *prometheus.CounterVec
	notificationsDispatchTotal *prometheus.CounterVec
	inboxStreamsActive         prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used across the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatMessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Chat messages persisted, by reply target type.",
		}, []string{"target_type"})

		chatSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Open negotiation chat sessions on this node.",
		})

		scheduleTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collection_schedule_transitions_total",
			Help: "Collection schedule writes, by source and target status.",
		}, []string{"from", "to"})

		scheduleConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collection_schedule_conflicts_total",
			Help: "Schedule writes rejected because the row changed since it was read.",
		}, []string{"operation"})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Realtime change events delivered to local subscribers.",
		}, []string{"stream", "origin"})

		notificationsDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "negotiation_notifications_total",
			Help: "Negotiation notifications, by type and outcome (stored, failed, streamed, relayed, dropped).",
		}, []string{"type", "outcome"})

		inboxStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "negotiation_inbox_streams_active",
			Help: "Inbox SSE streams currently connected to this node.",
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			chatMessagesSentTotal,
			chatSessionsActive,
			scheduleTransitionsTotal,
			scheduleConflictsTotal,
			realtimeEventsTotal,
			notificationsDispatchTotal,
			inboxStreamsActive,
		)
	})
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// ChatMessagesSent exposes the sent message counter.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSentTotal
}

// ChatSessionsActive exposes the open session gauge.
func ChatSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSessionsActive
}

// ScheduleTransitions exposes the schedule write counter.
func ScheduleTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return scheduleTransitionsTotal
}

// ScheduleConflicts exposes the optimistic concurrency rejection counter.
func ScheduleConflicts() *prometheus.CounterVec {
	RegisterMetrics()
	return scheduleConflictsTotal
}

// RealtimeEvents exposes the realtime delivery counter.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// NotificationsDispatched exposes the negotiation notification counter.
func NotificationsDispatched() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsDispatchTotal
}

// InboxStreamsActive exposes the inbox stream gauge.
func InboxStreamsActive() prometheus.Gauge {
	RegisterMetrics()
	return inboxStreamsActive
}
