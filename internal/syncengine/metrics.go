package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Sync-out attempts by outcome.",
		},
		[]string{"result"},
	)

	syncInsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "sync",
			Name:      "sync_ins_total",
			Help:      "Sync-in file applications by outcome.",
		},
		[]string{"result"},
	)

	conflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "sync",
			Name:      "conflicts_detected_total",
			Help:      "Write-write divergences recorded as conflicts.",
		},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tidehook",
			Subsystem: "sync",
			Name:      "resolutions_total",
			Help:      "Conflict resolution attempts by strategy and outcome.",
		},
		[]string{"strategy", "result"},
	)
)
