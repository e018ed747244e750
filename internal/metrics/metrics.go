package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amora_store_messages_appended_total",
			Help: "Messages inserted into conversation stores",
		},
	)

	MessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amora_store_messages_deduplicated_total",
			Help: "Inserts skipped because the message id was already present",
		},
	)

	// Outbox metrics
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amora_sends_total",
			Help: "Message sends by outcome",
		},
		[]string{"outcome"}, // "delivered", "gated", "failed", "upload_failed"
	)

	GateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amora_gate_transitions_total",
			Help: "Send gate state transitions by target state",
		},
		[]string{"state"},
	)

	UnlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amora_gate_unlocks_total",
			Help: "Gate unlock attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Event channel metrics
	ChannelConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amora_channel_connects_total",
			Help: "Event channel connections, first or reconnect",
		},
		[]string{"kind"},
	)

	ChannelEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amora_channel_events_total",
			Help: "Events received from the event channel by type",
		},
		[]string{"type"},
	)

	// Pagination metrics
	PageFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amora_history_page_fetches_total",
			Help: "History page fetches by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)
