// Package metrics provides Prometheus instrumentation for the recommender.
// It exposes counters for scored and failed pairs, a histogram of run
// durations, and gauges describing the most recent batch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run kinds used as the "kind" label.
const (
	RunBatch       = "batch"
	RunIncremental = "incremental"
)

var (
	// PairsScored counts pairs scored and written to the ledger, labeled by
	// run kind.
	PairsScored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomie_pairs_scored_total",
		Help: "Total number of profile pairs scored and stored",
	}, []string{"kind"}) // kind = "batch", "incremental"

	// PairFailures counts pairs that could not be scored or stored, labeled
	// by failure kind.
	PairFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomie_pair_failures_total",
		Help: "Total number of profile pairs that failed to score or store",
	}, []string{"reason"}) // reason = "unknown_profile", "invalid_pair", "storage"

	// RunDuration records the wall time of recomputation runs in seconds.
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomie_run_duration_seconds",
		Help:    "Duration of recomputation runs in seconds",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
	}, []string{"kind"})

	// ActiveProfiles tracks the number of active profiles seen by the last batch.
	ActiveProfiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomie_active_profiles",
		Help: "Number of active profiles seen by the most recent batch",
	})

	// LastBatchTimestamp is the unix time the most recent batch finished.
	LastBatchTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomie_last_batch_timestamp_seconds",
		Help: "Unix time the most recent full batch finished",
	})

	// ProfileEvents counts profile.created events, labeled by outcome.
	ProfileEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomie_profile_events_total",
		Help: "Total number of profile lifecycle events consumed",
	}, []string{"outcome"}) // outcome = "processed", "invalid", "failed", "dropped"
)

func init() {
	prometheus.MustRegister(
		PairsScored,
		PairFailures,
		RunDuration,
		ActiveProfiles,
		LastBatchTimestamp,
		ProfileEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
