package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the poller's counters. Registered on its own registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	messagesFetched   prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesDeleted   prometheus.Counter
	deleteFailures    prometheus.Counter
	duplicatesSkipped prometheus.Counter
	fetchErrors       *prometheus.CounterVec
	sinkFailures      *prometheus.CounterVec
	batchSize         prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "messages_fetched_total",
			Help:      "Messages received from the queue.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "messages_routed_total",
			Help:      "Messages routed, by decision.",
		}, []string{"decision"}),
		messagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "messages_deleted_total",
			Help:      "Messages deleted from the queue.",
		}),
		deleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "delete_failures_total",
			Help:      "Delete calls that returned an error.",
		}),
		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "duplicates_skipped_total",
			Help:      "Redeliveries not emitted again.",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "fetch_errors_total",
			Help:      "Failed fetches, by error kind.",
		}, []string{"kind"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqs_poller",
			Name:      "sink_failures_total",
			Help:      "Sink emissions that returned an error, by sink.",
		}, []string{"sink"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sqs_poller",
			Name:      "batch_size",
			Help:      "Messages per successful fetch.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
	}

	m.registry.MustRegister(
		m.messagesFetched,
		m.messagesRouted,
		m.messagesDeleted,
		m.deleteFailures,
		m.duplicatesSkipped,
		m.fetchErrors,
		m.sinkFailures,
		m.batchSize,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
