package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "events_received_total",
			Help:      "Total number of inbound messages received from the transport.",
		},
		[]string{"transport"},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "events_processed_total",
			Help:      "Total number of inbound events processed, by kind and outcome.",
		},
		[]string{"kind", "outcome"}, // outcome: applied, duplicate, ignored, rejected, retry, requeue, dead_letter
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "event_processing_duration_seconds",
			Help:      "Duration of inbound event processing.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "rejections_total",
			Help:      "Total number of mutations rejected by business rules.",
		},
		[]string{"operation", "code"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "outbox_published_total",
			Help:      "Total number of outbox publish attempts, by event type and result.",
		},
		[]string{"event_type", "result"}, // result: success, error
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "outbox_pending",
			Help:      "Outbox messages left unsent after the last relay pass.",
		},
	)
)
