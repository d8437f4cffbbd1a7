// Package metrics provides Prometheus instrumentation for the sync core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbound event outcomes
const (
	EventApplied   = "applied"
	EventFiltered  = "filtered"  // other conversation
	EventDuplicate = "duplicate" // seen by the recency set
	EventMalformed = "malformed"
)

// Send outcomes
const (
	SendSent     = "sent"
	SendFailed   = "failed"
	SendRejected = "rejected" // client-side validation, never reached the network
)

var (
	inboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_inbound_events_total",
			Help: "Push-channel events by outcome",
		},
		[]string{"outcome"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Message sends by outcome",
		},
		[]string{"outcome"},
	)

	previewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_previews_total",
			Help: "Local preview URLs created and revoked",
		},
		[]string{"op"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "REST collaborator request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "status"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_sessions",
			Help: "Conversation sessions between start and stop",
		},
	)
)

func InboundEvent(outcome string) {
	inboundEventsTotal.WithLabelValues(outcome).Inc()
}

func Send(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

func PreviewCreated() {
	previewsTotal.WithLabelValues("created").Inc()
}

func PreviewRevoked() {
	previewsTotal.WithLabelValues("revoked").Inc()
}

// ObserveRequest records one REST call. status is the numeric HTTP status or
// "error" when no response arrived.
func ObserveRequest(op, status string, start time.Time) {
	apiRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func SessionStarted() {
	activeSessions.Inc()
}

func SessionStopped() {
	activeSessions.Dec()
}
