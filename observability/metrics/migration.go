package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MigrationMetrics tracks protocol activity exposed on the daemon's /metrics
// endpoint.
type MigrationMetrics struct {
	deposits        *prometheus.CounterVec
	claims          prometheus.Counter
	quotaRejections prometheus.Counter
	proofRejections prometheus.Counter
	finalizations   prometheus.Counter
}

var (
	migrationOnce     sync.Once
	migrationRegistry *MigrationMetrics
)

// Migration returns the lazily-initialised migration metrics registry.
func Migration() *MigrationMetrics {
	migrationOnce.Do(func() {
		migrationRegistry = &MigrationMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "exodus",
				Subsystem: "migration",
				Name:      "deposits_total",
				Help:      "Count of accepted deposits segmented by migration id.",
			}, []string{"migration"}),
			claims: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "exodus",
				Subsystem: "migration",
				Name:      "claims_total",
				Help:      "Count of successful receipt redemptions.",
			}),
			quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "exodus",
				Subsystem: "migration",
				Name:      "quota_rejections_total",
				Help:      "Count of deposits rejected for exceeding the committed quota.",
			}),
			proofRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "exodus",
				Subsystem: "migration",
				Name:      "proof_rejections_total",
				Help:      "Count of deposits rejected for invalid snapshot proofs.",
			}),
			finalizations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "exodus",
				Subsystem: "migration",
				Name:      "finalizations_total",
				Help:      "Count of completed finalisations.",
			}),
		}
		prometheus.MustRegister(
			migrationRegistry.deposits,
			migrationRegistry.claims,
			migrationRegistry.quotaRejections,
			migrationRegistry.proofRejections,
			migrationRegistry.finalizations,
		)
	})
	return migrationRegistry
}

// RecordDeposit increments the accepted-deposit counter for a migration id.
func (m *MigrationMetrics) RecordDeposit(migrationID string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(migrationID).Inc()
}

// RecordClaim increments the successful claim counter.
func (m *MigrationMetrics) RecordClaim() {
	if m == nil {
		return
	}
	m.claims.Inc()
}

// RecordQuotaRejection increments the quota rejection counter.
func (m *MigrationMetrics) RecordQuotaRejection() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// RecordProofRejection increments the invalid-proof counter.
func (m *MigrationMetrics) RecordProofRejection() {
	if m == nil {
		return
	}
	m.proofRejections.Inc()
}

// RecordFinalization increments the finalisation counter.
func (m *MigrationMetrics) RecordFinalization() {
	if m == nil {
		return
	}
	m.finalizations.Inc()
}
