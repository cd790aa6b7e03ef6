package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the ingestion and broadcast paths.
// Registered once on the default registry at package init so every package
// can record without plumbing a handle through the constructors.
var (
	UpstreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "markethub_upstream_connected",
		Help: "Number of currently connected upstream feed connections",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markethub_messages_total",
		Help: "Normalized upstream events processed, by kind",
	}, []string{"kind"})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markethub_parse_errors_total",
		Help: "Upstream messages dropped because they could not be decoded",
	})

	RejectedUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markethub_rejected_updates_total",
		Help: "Updates rejected by data-invariant validation, by reason",
	}, []string{"reason"})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "markethub_clients_connected",
		Help: "Number of currently connected downstream clients",
	})

	DroppedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markethub_dropped_messages_total",
		Help: "Messages dropped on the way to a downstream client, by kind",
	}, []string{"kind"})

	SlowClientDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markethub_slow_client_disconnects_total",
		Help: "Downstream clients disconnected because their queue overflowed",
	})

	RecorderErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markethub_recorder_errors_total",
		Help: "Failed writes to the event recorder backend",
	})
)
