package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts bus traffic per event group.
type Metrics struct {
	Published *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	SinkError *prometheus.CounterVec
}

// NewMetrics registers the bus metrics on reg; a nil reg registers nothing.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Chain events published on the bus.",
		}, []string{"group"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Chain events delivered to subscribers.",
		}, []string{"group"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Chain events dropped because a channel was full.",
		}, []string{"group"}),
		SinkError: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "events",
			Name:      "sink_errors_total",
			Help:      "Failed publishes to external sinks.",
		}, []string{"sink"}),
	}
}
