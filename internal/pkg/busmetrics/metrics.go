// Package busmetrics registers the prometheus instruments shared by the
// bus implementations and the outbox dispatcher.
package busmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of envelopes published per exchange.",
	}, []string{"exchange"})

	Consumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Total number of deliveries per queue and handler outcome.",
	}, []string{"queue", "outcome"})

	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_retries_total",
		Help: "Total number of redeliveries requested by handlers.",
	}, []string{"queue"})

	DeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_letters_total",
		Help: "Total number of messages routed to the dead-letter store.",
	}, []string{"queue"})

	HandleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "event_handle_duration_seconds",
		Help:    "Duration of handler execution per queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	OutboxDispatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatch_total",
		Help: "Outbox records dispatched to the bus, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(Published, Consumed, Retries, DeadLetters, HandleDuration, OutboxDispatch)
}
