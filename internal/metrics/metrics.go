package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts presence state changes.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "presence_transitions_total",
		Help:      "Presence session state transitions.",
	}, []string{"from", "to"})

	// VerificationFailures counts failed checks by the signal that failed.
	VerificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "verification_failures_total",
		Help:      "Failed presence checks by signal.",
	}, []string{"signal"})

	// Commits counts attendance commit attempts by result.
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "attendance_commits_total",
		Help:      "Attendance commit attempts by result.",
	}, []string{"result"})

	// LocationFix observes how long it takes to get a location fix.
	LocationFix = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "geoattend",
		Name:      "location_fix_seconds",
		Help:      "Latency of location fixes.",
		Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 15},
	})

	// ClassToggles counts faculty start/stop actions.
	ClassToggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "class_toggles_total",
		Help:      "Class start and stop actions by result.",
	}, []string{"action", "result"})
)
