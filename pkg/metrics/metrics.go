// Package metrics exposes Prometheus collectors for the pipeline. Long
// running commands call Register() once; short CLI invocations skip it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ottobgp_ssh_collections_total",
			Help: "SSH collection attempts by outcome.",
		},
		[]string{"router", "outcome"},
	)

	BGPq4InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ottobgp_bgpq4_invocations_total",
			Help: "bgpq4 subprocess runs by outcome.",
		},
		[]string{"outcome"},
	)

	BGPq4Duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ottobgp_bgpq4_duration_seconds",
			Help:    "bgpq4 subprocess latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ottobgp_policy_cache_lookups_total",
			Help: "Policy cache lookups by result (hit, miss, stale).",
		},
		[]string{"result"},
	)

	RPKIResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ottobgp_rpki_results_total",
			Help: "RPKI validation results by state.",
		},
		[]string{"state"},
	)

	GuardrailVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ottobgp_guardrail_verdicts_total",
			Help: "Guardrail rule verdicts.",
		},
		[]string{"rule", "verdict"},
	)

	RolloutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ottobgp_rollout_target_transitions_total",
			Help: "Rollout target state transitions.",
		},
		[]string{"state"},
	)

	NETCONFCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ottobgp_netconf_commit_duration_seconds",
			Help:    "NETCONF commit latency by step.",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 15.0, 60.0, 120.0},
		},
		[]string{"step"},
	)

	VRPSnapshotAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ottobgp_vrp_snapshot_age_seconds",
			Help: "Age of the VRP snapshot at last preflight.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		CollectionsTotal,
		BGPq4InvocationsTotal,
		BGPq4Duration,
		CacheLookupsTotal,
		RPKIResultsTotal,
		GuardrailVerdictsTotal,
		RolloutTransitionsTotal,
		NETCONFCommitDuration,
		VRPSnapshotAge,
	)
}
