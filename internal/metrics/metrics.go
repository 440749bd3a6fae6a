// Package metrics holds the engine's custom prometheus registry, one
// gauge/counter family per core component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for engine metrics.
var Registry = prometheus.NewRegistry()

var (
	// ============================================
	// Risk engine
	// ============================================

	RiskValidationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "risk",
			Name:      "validations_total",
			Help:      "Risk validations by outcome code",
		},
		[]string{"code"},
	)

	RiskLockWaitSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tradedeck",
			Subsystem: "risk",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting on the per-session advisory lock",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	KillSwitchActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradedeck",
			Subsystem: "risk",
			Name:      "kill_switch_active",
			Help:      "1 if today's session kill switch is active",
		},
	)

	// ============================================
	// Circuit breaker
	// ============================================

	BreakerState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tradedeck",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "0=CLOSED 1=HALF_OPEN 2=OPEN, per service",
		},
		[]string{"service"},
	)

	// ============================================
	// Strategy executor
	// ============================================

	TicksProcessedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "executor",
			Name:      "ticks_processed_total",
			Help:      "Inbound ticks dispatched to strategy callbacks",
		},
	)

	StrategyErrorsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "executor",
			Name:      "strategy_errors_total",
			Help:      "Callback failures per strategy",
		},
		[]string{"strategy"},
	)

	OrdersSubmittedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "executor",
			Name:      "orders_submitted_total",
			Help:      "Orders dispatched to the broker, by resulting status",
		},
		[]string{"status"},
	)

	ControlIntentAckSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tradedeck",
			Subsystem: "executor",
			Name:      "control_intent_ack_seconds",
			Help:      "Latency between intent_set_at and intent_acked_at",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		},
	)

	// ============================================
	// Reconciliation
	// ============================================

	ReconcileCyclesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "reconcile",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by outcome",
		},
		[]string{"status"},
	)

	ReconcileFailureCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradedeck",
			Subsystem: "reconcile",
			Name:      "failure_count",
			Help:      "Current persisted consecutive reconciliation failure count",
		},
	)

	OrphanedOrdersRecovered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "reconcile",
			Name:      "orphaned_orders_recovered_total",
			Help:      "Stale SENDING/ACKNOWLEDGED orders recovered by crash recovery",
		},
	)

	// ============================================
	// Feed worker
	// ============================================

	FeedTickAgeSeconds = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradedeck",
			Subsystem: "feed",
			Name:      "tick_age_seconds",
			Help:      "Seconds since the last received tick",
		},
	)

	FeedReconnectsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradedeck",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "WebSocket reconnect attempts",
		},
	)

	FeedConnected = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradedeck",
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 if the feed WebSocket is currently connected",
		},
	)
)

// BreakerStateValue maps a domain.BreakerState to the gauge encoding above.
func BreakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
