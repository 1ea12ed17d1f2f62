// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verdicts counts classification results by action and reason.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quietline_verdicts_total",
		Help: "Call classification verdicts by action and reason.",
	}, []string{"action", "reason"})

	// ChallengeOutcomes counts terminal challenge dispositions.
	ChallengeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quietline_challenge_outcomes_total",
		Help: "Terminal dispositions of challenge sessions.",
	}, []string{"outcome"})

	// DroppedEvents counts outcome events dropped by a full stream sink.
	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quietline_dropped_events_total",
		Help: "Outcome events dropped because the stream consumer fell behind.",
	})

	// ActiveSessions tracks the size of the live challenge table.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quietline_active_challenge_sessions",
		Help: "Challenge sessions currently in progress.",
	})
)
