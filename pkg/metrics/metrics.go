package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session state transitions by operation and resulting status",
		},
		[]string{"operation", "status"},
	)

	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_open",
			Help: "Sessions currently ACTIVE or PAUSED",
		},
	)

	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_heartbeats_total",
			Help: "Heartbeats received by outcome (applied, stale, disconnection)",
		},
		[]string{"outcome"},
	)

	BilledMinutes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_billed_minutes",
			Help:    "Billable minutes per settled session",
			Buckets: []float64{1, 5, 10, 15, 30, 45, 60, 90, 120, 180},
		},
	)

	// Escrow ledger
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_ledger_operations_total",
			Help: "Ledger commits by operation and result (applied, replayed, rejected, failed)",
		},
		[]string{"operation", "result"},
	)

	SettledAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_settled_minor_units_total",
			Help: "Minor currency units moved at settlement by destination",
		},
		[]string{"destination"},
	)

	ReapedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_reaped_total",
			Help: "Sessions force-ended by the idle reaper",
		},
	)
)

// RecordTransition counts one state transition.
func RecordTransition(operation, status string) {
	SessionTransitions.WithLabelValues(operation, status).Inc()
}

// RecordLedgerOperation counts one ledger commit attempt.
func RecordLedgerOperation(operation, result string) {
	LedgerOperations.WithLabelValues(operation, result).Inc()
}

// RecordSettlement records the money split of one settled session.
func RecordSettlement(billableMinutes, payout, fee, refund int64) {
	BilledMinutes.Observe(float64(billableMinutes))
	SettledAmount.WithLabelValues("payee").Add(float64(payout))
	SettledAmount.WithLabelValues("platform").Add(float64(fee))
	SettledAmount.WithLabelValues("payer_refund").Add(float64(refund))
}
