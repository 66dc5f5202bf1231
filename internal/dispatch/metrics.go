package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Total number of dispatched events.",
		},
		[]string{"provider", "result"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tidehook",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Wall time spent running event handlers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "event_type"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "dispatch",
			Name:      "retries_scheduled_total",
			Help:      "Total number of retries placed on the delay queue.",
		},
		[]string{"provider"},
	)

	retriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "dispatch",
			Name:      "retries_exhausted_total",
			Help:      "Events that failed every attempt.",
		},
		[]string{"provider"},
	)
)
