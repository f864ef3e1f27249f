// Package obsmetrics exposes the Prometheus metrics the ISS core emits:
// non-compliance counters labeled by violation kind and message
// provenance, quorum-latency histograms, and per-segment state gauges
// (spec.md §7 "Error Handling Design", §8 "Testable Properties").
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the ISS core's counters, histogram, and gauge. The
// consensus module updates NonCompliance, CatchUpRounds, and BlocksOrdered;
// QuorumLatency, SegmentState, and ViewChanges are registered but no
// component updates them. Registering twice against the same registerer
// panics, matching promauto's own behavior, so callers build exactly one
// per process.
type Metrics struct {
	NonCompliance   *prometheus.CounterVec
	QuorumLatency   *prometheus.HistogramVec
	SegmentState    *prometheus.GaugeVec
	CatchUpRounds   prometheus.Counter
	ViewChanges     *prometheus.CounterVec
	BlocksOrdered   prometheus.Counter
}

// New registers and returns the ISS core's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NonCompliance: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iss",
			Name:      "non_compliance_total",
			Help:      "Count of rejected messages by violation kind and sender.",
		}, []string{"code", "sender", "epoch", "view", "block"}),
		QuorumLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iss",
			Name:      "quorum_latency_seconds",
			Help:      "Time from pre-prepare to the corresponding quorum being reached.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		SegmentState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iss",
			Name:      "segment_slot_phase",
			Help:      "Current PBFT phase (as an enum ordinal) of each owned slot.",
		}, []string{"epoch", "leader", "slot"}),
		CatchUpRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "iss",
			Name:      "catch_up_rounds_total",
			Help:      "Number of state-transfer catch-up rounds initiated.",
		}),
		ViewChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iss",
			Name:      "view_changes_total",
			Help:      "Number of view changes initiated, labeled by epoch.",
		}, []string{"epoch"}),
		BlocksOrdered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "iss",
			Name:      "blocks_ordered_total",
			Help:      "Number of blocks decided by live consensus or state transfer.",
		}),
	}
}
