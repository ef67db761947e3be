package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xu_webhook_requests_total",
		Help: "Inbound webhook requests by source and outcome",
	}, []string{"source", "outcome"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xu_settlements_total",
		Help: "Ledger settlements by kind",
	}, []string{"kind"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xu_job_dispatches_total",
		Help: "Job dispatch attempts by outcome",
	}, []string{"outcome"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xu_job_dispatch_duration_seconds",
		Help:    "Latency of outbound job dispatch calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"provider"})

	LedgerDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xu_ledger_discrepancies_total",
		Help: "Accounts whose ledger totals did not reproduce balance plus frozen",
	})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xu_notifications_dropped_total",
		Help: "Settlement notifications that were not delivered",
	}, []string{"reason"})

	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xu_reconcile_actions_total",
		Help: "Rows resolved by the reconciliation sweep",
	}, []string{"action"})
)

// Settlement kinds.
const (
	KindExpense = "expense"
	KindRefund  = "refund"
	KindDeposit = "deposit"
)
