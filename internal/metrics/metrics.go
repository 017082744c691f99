// Package metrics defines the processor's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are partitioned by currency.

var (
	// Address Ledger
	AddressesClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "address",
		Name:      "claimed_total",
		Help:      "Total addresses issued",
	}, []string{"currency"})

	AddressClaimConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "address",
		Name:      "claim_conflicts_total",
		Help:      "Total claims that lost an index race and retried",
	}, []string{"currency"})

	AddressesUnpopulated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cryptoms",
		Subsystem: "address",
		Name:      "unpopulated",
		Help:      "Addresses not yet imported into the node wallet",
	}, []string{"currency"})

	// Deposit Monitor
	DepositsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "deposit",
		Name:      "observed_total",
		Help:      "Total new deposits recorded",
	}, []string{"currency"})

	DepositTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "deposit",
		Name:      "transitions_total",
		Help:      "Total deposit status transitions",
	}, []string{"currency", "status"})

	ScanHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cryptoms",
		Subsystem: "deposit",
		Name:      "scan_height",
		Help:      "Height of the last persisted scan watermark",
	}, []string{"currency", "confirmations"})

	// Withdrawal Orchestrator
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "withdraw",
		Name:      "requests_total",
		Help:      "Total withdrawal requests by resulting status",
	}, []string{"currency", "status"})

	WithdrawalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "withdraw",
		Name:      "transitions_total",
		Help:      "Total withdrawal status transitions observed by status checks",
	}, []string{"currency", "status"})

	BroadcastLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cryptoms",
		Subsystem: "withdraw",
		Name:      "broadcast_duration_seconds",
		Help:      "Time from request to accepted broadcast",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"currency"})

	// Reconciliation
	ReconcileDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cryptoms",
		Subsystem: "reconcile",
		Name:      "drifted_addresses",
		Help:      "Addresses whose cached amount differed from the chain on the last run",
	}, []string{"currency"})

	// Notification Dispatcher
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total callbacks by kind and outcome",
	}, []string{"kind", "outcome"})

	// Passes and escalations
	PassLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cryptoms",
		Subsystem: "daemon",
		Name:      "pass_duration_seconds",
		Help:      "Background pass duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"pass"})

	PassErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "daemon",
		Name:      "pass_errors_total",
		Help:      "Total failed background passes",
	}, []string{"pass"})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "alert",
		Name:      "reported_total",
		Help:      "Total escalations reported to operators",
	}, []string{"kind"})

	// REST API
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoms",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total REST requests by route and status code",
	}, []string{"route", "code"})
)
