package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_created_total",
		Help: "Total number of offers created",
	})

	OfferTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_transitions_total",
		Help: "Offer state transitions applied",
	}, []string{"from", "to"})

	InvalidTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invalid_transitions_total",
		Help: "Rejected offer or agreement transitions",
	}, []string{"entity"})

	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_total",
		Help: "Checkout sessions requested, by whether an existing one was reused",
	}, []string{"result"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Payment reconciliations by trigger source and outcome",
	}, []string{"source", "outcome"})

	ReconciliationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_reconciliation_latency_seconds",
		Help:    "Latency of payment reconciliation",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	ReceiptLookupAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receipt_lookup_attempts",
		Help:    "Canonical receipt lookups needed per reconciliation",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	ReceiptsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipts_created_total",
		Help: "Canonical receipts persisted",
	})

	DegradedStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "degraded_steps_total",
		Help: "Non-critical steps that failed and were skipped",
	}, []string{"step"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Provider webhook events by type and result",
	}, []string{"type", "result"})

	AgreementTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agreement_transitions_total",
		Help: "Agreement status transitions applied",
	}, []string{"from", "to"})

	ReviewPromptsShownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "review_prompts_shown_total",
		Help: "Review prompts shown to a viewer",
	})

	ReviewsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviews_submitted_total",
		Help: "Reviews persisted",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the shared rate limiter",
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
