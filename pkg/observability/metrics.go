// Package observability holds the prometheus collectors shared by the crank
// loops. Collectors are registered once at construction and passed down;
// components treat a nil *Metrics as metrics-off.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PollCycles *prometheus.CounterVec // component
	PollErrors *prometheus.CounterVec // component

	RequestsDiscovered prometheus.Counter
	RequestsProcessed  prometheus.Counter
	RequestsFailed     *prometheus.CounterVec // reason: permanent|transient|corrupt
	RequestsSkipped    prometheus.Counter

	CallbacksSubmitted *prometheus.CounterVec // success: true|false
	CallbackDuration   prometheus.Histogram

	MatchCandidates  prometheus.Gauge
	MatchesSubmitted prometheus.Counter

	PositionsSettled *prometheus.CounterVec // kind: close|funding
	SettleFailures   *prometheus.CounterVec // kind

	BlockhashRefreshes prometheus.Counter
	AlertsDispatched   *prometheus.CounterVec // severity
}

func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry exists for tests that need an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_poll_cycles_total",
			Help: "Completed poll passes per component.",
		}, []string{"component"}),
		PollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_poll_errors_total",
			Help: "Poll passes that ended in error per component.",
		}, []string{"component"}),

		RequestsDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "crank_requests_discovered_total",
			Help: "Pending computation requests discovered on the ledger.",
		}),
		RequestsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crank_requests_processed_total",
			Help: "Computation requests processed to a terminal outcome.",
		}),
		RequestsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_requests_failed_total",
			Help: "Computation requests abandoned, by failure class.",
		}, []string{"reason"}),
		RequestsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "crank_requests_skipped_total",
			Help: "Pending requests force-skipped by the operator drain.",
		}),

		CallbacksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_callbacks_submitted_total",
			Help: "Callback transactions confirmed, by reported success flag.",
		}, []string{"success"}),
		CallbackDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crank_callback_duration_seconds",
			Help:    "Wall time of callback submission including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		MatchCandidates: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crank_match_candidates",
			Help: "Candidates produced by the latest matching pass.",
		}),
		MatchesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "crank_matches_submitted_total",
			Help: "Match-request transactions confirmed.",
		}),

		PositionsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_positions_settled_total",
			Help: "Finalize transactions confirmed per lifecycle kind.",
		}, []string{"kind"}),
		SettleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_settle_failures_total",
			Help: "Lifecycle operations abandoned after the retry ceiling.",
		}, []string{"kind"}),

		BlockhashRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "crank_blockhash_refreshes_total",
			Help: "Blockhash cache refreshes.",
		}),
		AlertsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crank_alerts_dispatched_total",
			Help: "Alerts dispatched to channels, by severity.",
		}, []string{"severity"}),
	}
}
