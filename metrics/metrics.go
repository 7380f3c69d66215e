// Package metrics holds the Prometheus collectors shared by the engine.
// Collectors register on the default registry; /metrics serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerOperations counts credits and debits by outcome.
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_ledger_operations_total",
			Help: "Ledger credits and debits by operation, transaction type and result",
		},
		[]string{"op", "type", "result"},
	)

	// LedgerRetries counts transactions retried after a transient conflict.
	LedgerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_engine_ledger_retries_total",
			Help: "Ledger transactions retried after a concurrent modification",
		},
	)

	CommissionPaid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_engine_commission_paid_pkr_total",
			Help: "Commission paid in PKR by referral level",
		},
		[]string{"level"},
	)

	CycleDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_engine_referral_cycles_total",
			Help: "Referral walks truncated because an account was revisited",
		},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_engine_notifications_dropped_total",
			Help: "Ledger events dropped because the notification queue was full",
		},
	)

	NotificationsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_engine_notifications_failed_total",
			Help: "Ledger events a sink failed to deliver",
		},
	)

	ReconciliationMismatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commission_engine_reconciliation_mismatches",
			Help: "Accounts whose balances disagree with their transaction history at the last audit",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
