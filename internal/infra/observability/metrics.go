package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every exported metric.
const Namespace = "stepgate"

// ─── Wallet Metrics ─────────────────────────────────────────────────────────

// WalletBalance tracks the current wallet balance in minutes.
var WalletBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: Namespace,
	Subsystem: "wallet",
	Name:      "balance_minutes",
	Help:      "Current wallet balance in unlock-minutes.",
})

// MinutesCredited tracks minutes earned from steps.
var MinutesCredited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "wallet",
	Name:      "credited_minutes_total",
	Help:      "Total minutes credited from step increments.",
})

// MinutesDebited tracks minutes spent on unlock sessions.
var MinutesDebited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "wallet",
	Name:      "debited_minutes_total",
	Help:      "Total minutes spent on unlock sessions.",
})

// MinutesRefunded tracks minutes returned by early session ends.
var MinutesRefunded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "wallet",
	Name:      "refunded_minutes_total",
	Help:      "Total minutes refunded when sessions end early.",
})

// ─── Session Metrics ────────────────────────────────────────────────────────

// SessionsOpened tracks purchased unlock sessions.
var SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "session",
	Name:      "opened_total",
	Help:      "Total unlock sessions opened.",
})

// SessionsEnded tracks ended sessions by reason (early, expired, watchdog).
var SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "session",
	Name:      "ended_total",
	Help:      "Total unlock sessions ended, by reason.",
}, []string{"reason"})

// ─── Enforcement Metrics ────────────────────────────────────────────────────

// ShieldState is 1 while blocking, 0 while unblocked.
var ShieldState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: Namespace,
	Subsystem: "shield",
	Name:      "blocking",
	Help:      "Whether the shield is currently blocking (1) or not (0).",
})

// ShieldTransitions tracks applied shield changes by target state.
var ShieldTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "shield",
	Name:      "transitions_total",
	Help:      "Total shield state changes, by resulting state.",
}, []string{"state"})

// WatchdogFires tracks watchdog handler invocations by event.
var WatchdogFires = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "watchdog",
	Name:      "fires_total",
	Help:      "Total watchdog handler invocations, by event.",
}, []string{"event"})

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// TickDuration tracks reconciliation tick latency.
var TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: Namespace,
	Subsystem: "reconcile",
	Name:      "tick_duration_seconds",
	Help:      "Reconciliation tick duration in seconds.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
})

// Errors tracks failures by pipeline stage.
var Errors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "reconcile",
	Name:      "errors_total",
	Help:      "Total reconciliation errors, by stage.",
}, []string{"stage"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})

// SetShield updates the shield gauge.
func SetShield(blocking bool) {
	if blocking {
		ShieldState.Set(1)
		return
	}
	ShieldState.Set(0)
}
