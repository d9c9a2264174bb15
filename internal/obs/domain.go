package obs

import "github.com/prometheus/client_golang/prometheus"

// Escrow-side metrics, bumped by the HTTP layer after successful transitions.
var (
	dealTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_deal_transitions_total",
			Help: "Deal lifecycle transitions by resulting status.",
		},
		[]string{"status"},
	)

	settlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pact_settlements_total",
		Help: "Completed settlements.",
	})

	settledAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_settled_amount_total",
			Help: "Minor units paid out at settlement, by destination.",
		},
		[]string{"destination"}, // celebrity | platform_fee
	)

	escrowLocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pact_escrow_locked_amount",
		Help: "Minor units currently held across all deal vaults.",
	})
)

func registerDomain() {
	prometheus.MustRegister(dealTransitions, settlementsTotal, settledAmount, escrowLocked)
}

// RecordTransition counts a successful lifecycle transition.
func RecordTransition(status string) {
	dealTransitions.WithLabelValues(status).Inc()
}

// RecordSettlement counts a completed settlement and its payout split.
func RecordSettlement(celebrityAmount, feeAmount uint64) {
	settlementsTotal.Inc()
	settledAmount.WithLabelValues("celebrity").Add(float64(celebrityAmount))
	settledAmount.WithLabelValues("platform_fee").Add(float64(feeAmount))
}

// EscrowLockedAdd moves the locked-funds gauge; pass a negative delta on
// release.
func EscrowLockedAdd(delta float64) {
	escrowLocked.Add(delta)
}
