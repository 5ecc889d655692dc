package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrustEventsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_events_recorded_total",
		Help: "Total number of trust ledger events recorded",
	}, []string{"kind"})

	TrustEventsDuplicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_events_duplicate_total",
		Help: "Total number of replayed trust events absorbed by idempotency",
	}, []string{"kind"})

	TrustScoreClampedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_score_clamped_total",
		Help: "Total number of score updates saturated at a bound",
	}, []string{"side"})

	IdentityBonusGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_bonus_granted_total",
		Help: "Total number of one-time KYC identity bonuses granted",
	}, []string{"side"})

	SellerTierUpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seller_tier_upgrades_total",
		Help: "Total number of seller tier upgrades",
	}, []string{"level"})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders that latched to PAID",
	})

	OrdersPaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_payment_failed_total",
		Help: "Total number of failed order payments",
	}, []string{"reason"})

	EscrowDisputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_disputed_total",
		Help: "Total number of orders that entered dispute",
	})

	EscrowReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_released_total",
		Help: "Total number of escrow releases",
	}, []string{"trigger"})

	RefundsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_rejected_total",
		Help: "Total number of rejected refund attempts",
	}, []string{"reason"})

	RefundsSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_succeeded_total",
		Help: "Total number of completed refunds",
	})

	WalletCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_credits_total",
		Help: "Total number of wallet credits",
	}, []string{"tx_type"})

	WalletDebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_debits_total",
		Help: "Total number of wallet debits",
	}, []string{"tx_type"})

	WalletInsufficientFundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_insufficient_funds_total",
		Help: "Total number of debits rejected for insufficient funds",
	})

	TrustHookFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_hook_failures_total",
		Help: "Total number of best-effort trust hook failures (logged, not propagated)",
	}, []string{"hook"})

	ScoreUpdateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trust_score_update_latency_seconds",
		Help:    "Latency of trust ledger event application",
		Buckets: prometheus.DefBuckets,
	})

	RefundProviderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refund_provider_latency_seconds",
		Help:    "Latency of payment processor refund calls",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
