package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for subscription reconciliation.
type Metrics struct {
	// Webhook processing
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookDuplicate *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Subscription lifecycle
	CheckoutsStarted         *prometheus.CounterVec
	SubscriptionsActivated   *prometheus.CounterVec
	SubscriptionsCanceled    *prometheus.CounterVec
	SubscriptionsReactivated prometheus.Counter
	PlanChanges              *prometheus.CounterVec
	Renewals                 *prometheus.CounterVec
	PaymentFailures          *prometheus.CounterVec

	// Refunds
	RefundsIssued *prometheus.CounterVec
	RefundAmount  prometheus.Counter

	// Usage pipeline
	UsageEvents *prometheus.CounterVec

	// Outbox
	OutboxEnqueued  *prometheus.CounterVec
	OutboxDelivered *prometheus.CounterVec
	OutboxFailed    *prometheus.CounterVec
	OutboxPending   prometheus.Gauge

	// External API performance
	ProviderLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers all reconciliation metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "subsync"
	}

	subsystem := "billing"

	return &Metrics{
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhook events received",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhook events processed successfully",
			},
			[]string{"event_type"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook events that failed processing",
			},
			[]string{"event_type"},
		),
		WebhookDuplicate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duplicate_total",
				Help:      "Total replayed webhook events skipped by dedup",
			},
			[]string{"event_type"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Webhook processing duration",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),
		CheckoutsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "checkouts_started_total",
				Help:      "Total checkout sessions created",
			},
			[]string{"plan"},
		),
		SubscriptionsActivated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_activated_total",
				Help:      "Total subscriptions activated",
			},
			[]string{"plan"},
		),
		SubscriptionsCanceled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_canceled_total",
				Help:      "Total subscription cancellations",
			},
			[]string{"cancelation_type"}, // cancelation_type: end_of_period, immediate
		),
		SubscriptionsReactivated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_reactivated_total",
				Help:      "Total scheduled cancellations undone",
			},
		),
		PlanChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plan_changes_total",
				Help:      "Total plan changes",
			},
			[]string{"from_plan", "to_plan"},
		),
		Renewals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "renewals_total",
				Help:      "Total successful renewal payments",
			},
			[]string{"plan"},
		),
		PaymentFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_failures_total",
				Help:      "Total failed payment attempts",
			},
			[]string{"plan"},
		),
		RefundsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_issued_total",
				Help:      "Total refunds by outcome",
			},
			[]string{"status"}, // status: processed, manual_pending
		),
		RefundAmount: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refund_amount_cents_total",
				Help:      "Total refunded amount in cents",
			},
		),
		UsageEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "usage_events_total",
				Help:      "Total billing lifecycle events reported downstream",
			},
			[]string{"event"},
		),
		OutboxEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_enqueued_total",
				Help:      "Total side-effects persisted for retry",
			},
			[]string{"kind"},
		),
		OutboxDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_delivered_total",
				Help:      "Total side-effects delivered",
			},
			[]string{"kind"},
		),
		OutboxFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_failed_total",
				Help:      "Total side-effect delivery failures",
			},
			[]string{"kind"},
		),
		OutboxPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_pending",
				Help:      "Side-effects currently awaiting delivery",
			},
		),
		ProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "provider_api_duration_seconds",
				Help:      "Billing provider API call duration",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
	}
}
