package seam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "seam"

// Outcome labels for the submissions counter.
const (
	OutcomePending  = "pending"
	OutcomeFinished = "finished"
	OutcomeRejected = "rejected"
)

// Metrics are the engine's instrumentation hooks.
type Metrics struct {
	Submissions       *prometheus.CounterVec
	Reaped            prometheus.Counter
	AssembledBytes    prometheus.Counter
	ConflictingChunks prometheus.Counter
}

// NewMetrics builds the engine metrics against reg. A nil reg creates
// unregistered collectors, which is what the engine defaults to when no
// registry is injected.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Submissions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Chunk submissions by outcome",
		}, []string{"outcome"}),
		Reaped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_entries_total",
			Help:      "Stale staging entries and artifacts removed",
		}),
		AssembledBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembled_bytes_total",
			Help:      "Bytes written into finished artifacts",
		}),
		ConflictingChunks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicting_chunks_total",
			Help:      "Chunks discarded because their declared total disagreed with the finishing submission",
		}),
	}
}
