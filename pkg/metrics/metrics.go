// Package metrics provides Prometheus metrics for the card session engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UnknownTopicLabel is the topic label of events no handler is bound to.
// Event topics come from the wire, so they never become label values
// unless a handler was registered for them.
const UnknownTopicLabel = "unknown"

var (
	// DispatchTotal counts router dispatches by topic and outcome
	// (handled, unknown_topic, duplicate, handler_error, panic).
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardstream_dispatch_total",
			Help: "Total number of gateway events dispatched by the callback router",
		},
		[]string{"topic", "outcome"},
	)

	// DispatchDuration tracks handler latency per topic.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardstream_dispatch_duration_seconds",
			Help:    "Duration of callback handler execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// LiveCards tracks the number of card session states held in memory.
	LiveCards = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardstream_live_cards",
			Help: "Number of card session states currently held in memory",
		},
	)

	// StateMutations counts Mutate calls by result (ok, aborted, not_found).
	StateMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardstream_state_mutations_total",
			Help: "Total number of card state mutations",
		},
		[]string{"result"},
	)

	// StateEvictions counts evicted card states by reason (expired, idle).
	StateEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardstream_state_evictions_total",
			Help: "Total number of evicted card states",
		},
		[]string{"reason"},
	)

	// StreamUpdates counts streaming buffer updates by status.
	StreamUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardstream_stream_updates_total",
			Help: "Total number of streaming card updates emitted",
		},
		[]string{"status"},
	)

	// PollAnswers counts dynamic data polls by strategy and whether data was returned.
	PollAnswers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardstream_poll_answers_total",
			Help: "Total number of dynamic data polls",
		},
		[]string{"strategy", "answered"},
	)
)

func RecordDispatch(topic, outcome string) {
	DispatchTotal.WithLabelValues(topic, outcome).Inc()
}

func RecordEviction(reason string, n int) {
	if n <= 0 {
		return
	}
	StateEvictions.WithLabelValues(reason).Add(float64(n))
	LiveCards.Sub(float64(n))
}
