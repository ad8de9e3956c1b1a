package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditBlocksAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_blocks_appended_total",
		Help: "Total blocks appended to the ledger by event type.",
	}, []string{"event_type"})

	auditChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_chain_height",
		Help: "Number of blocks in the chain, genesis included.",
	})

	auditSealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_seal_duration_seconds",
		Help:    "Wall-clock time spent sealing a block.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	auditSealAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_seal_attempts",
		Help:    "Nonces tried per sealed block.",
		Buckets: prometheus.ExponentialBuckets(1, 8, 10),
	})

	auditAppendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Total failed appends by reason.",
	}, []string{"reason"})
)

func recordSeal(attempts uint64, seconds float64) {
	auditSealAttempts.Observe(float64(attempts))
	auditSealDuration.Observe(seconds)
}

func recordAppend(eventType string, height int) {
	auditBlocksAppendedTotal.WithLabelValues(eventType).Inc()
	auditChainHeight.Set(float64(height))
}

func recordAppendFailure(reason string) {
	auditAppendFailuresTotal.WithLabelValues(reason).Inc()
}
