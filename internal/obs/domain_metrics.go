package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics groups collectors describing inbound event processing.
type WebhookMetrics struct {
	Events          *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	LedgerClaims    *prometheus.CounterVec
}

// NewWebhookMetrics registers webhook collectors on reg.
func NewWebhookMetrics(namespace string, reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &WebhookMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Count of verified webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejections_total",
			Help:      "Count of webhook requests rejected before dispatch.",
		}, []string{"reason"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_handler_duration_ms",
			Help:      "Latency of event handlers in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"type"}),
		LedgerClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_claims_total",
			Help:      "Count of ledger claim attempts by result.",
		}, []string{"result"}),
	}
	m.Events = register(reg, m.Events)
	m.Rejections = register(reg, m.Rejections)
	m.HandlerDuration = register(reg, m.HandlerDuration)
	m.LedgerClaims = register(reg, m.LedgerClaims)
	return m
}

// CheckoutMetrics counts checkout session creation outcomes.
type CheckoutMetrics struct {
	Sessions *prometheus.CounterVec
}

// NewCheckoutMetrics registers checkout collectors on reg.
func NewCheckoutMetrics(namespace string, reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &CheckoutMetrics{
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Count of checkout session creation attempts by result.",
		}, []string{"result"}),
	}
	m.Sessions = register(reg, m.Sessions)
	return m
}
