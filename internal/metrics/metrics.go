// Package metrics holds the Prometheus collectors for the bracket bot.
//
// Exposed series:
//   - bracket_signals_total{result}        signals by outcome
//   - bracket_orders_total{kind,result}    entry/stop_loss/take_profit/trailing placements
//   - bracket_adjustments_total{kind}      sl_auto_adjusted, tp_clamped, tp_fallback
//   - bracket_open_trades                  trades currently tracked
//   - bracket_partially_protected_trades   open trades missing part of their bracket
//   - bracket_trades_closed_total{reason}  closures by exit reason
//   - bracket_reconcile_cycles_total       reconciliation passes
//   - bracket_reconcile_errors_total       per-trade errors inside passes
//   - bracket_reconcile_duration_seconds   pass duration
//   - bracket_notifications_dropped_total  alerts dropped by a full queue
//
// All methods are nil-safe so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors registered for one process.
type Metrics struct {
	signals            *prometheus.CounterVec
	orders             *prometheus.CounterVec
	adjustments        *prometheus.CounterVec
	openTrades         prometheus.Gauge
	partiallyProtected prometheus.Gauge
	tradesClosed       *prometheus.CounterVec
	reconcileCycles    prometheus.Counter
	reconcileErrors    prometheus.Counter
	reconcileDuration  prometheus.Histogram
	notificationsDrop  prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_signals_total",
				Help: "Webhook signals by outcome",
			},
			[]string{"result"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_orders_total",
				Help: "Order placements by kind and result",
			},
			[]string{"kind", "result"},
		),
		adjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_adjustments_total",
				Help: "Bracket prices changed before placement",
			},
			[]string{"kind"},
		),
		openTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracket_open_trades",
				Help: "Trades currently tracked as open",
			},
		),
		partiallyProtected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracket_partially_protected_trades",
				Help: "Open trades with a missing take-profit or stop-loss",
			},
		),
		tradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_trades_closed_total",
				Help: "Closed trades by exit reason",
			},
			[]string{"reason"},
		),
		reconcileCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bracket_reconcile_cycles_total",
				Help: "Reconciliation passes completed",
			},
		),
		reconcileErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bracket_reconcile_errors_total",
				Help: "Per-trade errors during reconciliation",
			},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bracket_reconcile_duration_seconds",
				Help:    "Duration of a reconciliation pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		notificationsDrop: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bracket_notifications_dropped_total",
				Help: "Notifications dropped because the queue was full",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.signals, m.orders, m.adjustments,
			m.openTrades, m.partiallyProtected, m.tradesClosed,
			m.reconcileCycles, m.reconcileErrors, m.reconcileDuration,
			m.notificationsDrop,
		)
	}
	return m
}

func (m *Metrics) Signal(result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(result).Inc()
}

func (m *Metrics) Order(kind, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Adjustment(kind string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(kind).Inc()
}

// SetOpen publishes the open-trade gauges.
func (m *Metrics) SetOpen(open, partial int) {
	if m == nil {
		return
	}
	m.openTrades.Set(float64(open))
	m.partiallyProtected.Set(float64(partial))
}

func (m *Metrics) TradeClosed(reason string) {
	if m == nil {
		return
	}
	m.tradesClosed.WithLabelValues(reason).Inc()
}

// ReconcileCycle records one pass and the number of per-trade errors in it.
func (m *Metrics) ReconcileCycle(d time.Duration, errs int) {
	if m == nil {
		return
	}
	m.reconcileCycles.Inc()
	m.reconcileErrors.Add(float64(errs))
	m.reconcileDuration.Observe(d.Seconds())
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDrop.Inc()
}
