package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the custody engine.
type Metrics struct {
	// --- Session ---
	SessionReady      prometheus.Gauge
	SessionConnects   prometheus.Counter
	SessionAuthAlerts prometheus.Counter

	// --- Offers ---
	OffersCreated      *prometheus.CounterVec
	OfferCreateFailed  *prometheus.CounterVec
	OfferCreateLatency *prometheus.HistogramVec

	// --- Reconciliation ---
	EventsReceived     prometheus.Counter
	EventsApplied      *prometheus.CounterVec
	EventsDuplicate    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	ReconcileDuration  *prometheus.HistogramVec
	ResolveRetries     prometheus.Counter

	// --- Custody / orders ---
	CustodyTransitions *prometheus.CounterVec
	OrderTransitions   *prometheus.CounterVec

	// --- Notifications ---
	NotificationsPublished  *prometheus.CounterVec
	NotificationsSuppressed prometheus.Counter
	NotificationErrors      prometheus.Counter
}

// NewMetrics creates and registers all engine metrics on reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	durationBuckets := []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		SessionReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vault_session_ready",
			Help: "1 when the bot session is authenticated and ready",
		}),
		SessionConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_session_connects_total",
			Help: "Successful session logins, including the initial connect",
		}),
		SessionAuthAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_session_auth_alerts_total",
			Help: "Operator alerts raised for persistent auth failure",
		}),

		OffersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_offers_created_total",
			Help: "Trade offers created",
		}, []string{"direction"}),
		OfferCreateFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_offers_create_failed_total",
			Help: "Trade offer creation failures",
		}, []string{"direction", "reason"}),
		OfferCreateLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_offer_create_duration_seconds",
			Help:    "Latency of offer creation including the network call",
			Buckets: durationBuckets,
		}, []string{"direction"}),

		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_events_received_total",
			Help: "Offer state-change events received from the network",
		}),
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_applied_total",
			Help: "Events applied to ledger and order state",
		}, []string{"direction", "outcome"}),
		EventsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_duplicate_total",
			Help: "Events absorbed as idempotent replays of a terminal state",
		}, []string{"direction"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_dropped_total",
			Help: "Events dropped (unknown offer, illegal transition)",
		}, []string{"reason"}),
		EventsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_dead_lettered_total",
			Help: "Events parked in the dead-letter table",
		}, []string{"reason"}),
		ReconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_reconcile_duration_seconds",
			Help:    "Time to reconcile one event",
			Buckets: durationBuckets,
		}, []string{"direction"}),
		ResolveRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_resolve_retries_total",
			Help: "Retries while resolving an event to an offer record",
		}),

		CustodyTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_custody_transitions_total",
			Help: "Applied custody state transitions",
		}, []string{"to"}),
		OrderTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_order_transitions_total",
			Help: "Applied order status transitions",
		}, []string{"to"}),

		NotificationsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_notifications_published_total",
			Help: "Terminal-offer notifications published",
		}, []string{"direction", "outcome"}),
		NotificationsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_notifications_suppressed_total",
			Help: "Notifications suppressed as duplicates",
		}),
		NotificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_notification_errors_total",
			Help: "Notification publish failures (fire-and-forget, non-fatal)",
		}),
	}
}
