package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paycore"

// PaymentMetrics tracks webhook intake, reconciliation outcomes and outbound
// gateway latency.
type PaymentMetrics struct {
	webhooks  *prometheus.CounterVec
	reconcile *prometheus.CounterVec
	gateway   *prometheus.HistogramVec
}

// NewPaymentMetrics registers the payment metrics on reg. A nil registerer
// yields a no-op recorder.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound gateway notifications by outcome.",
	}, []string{"gateway", "event", "outcome"})
	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Transaction reconciliation attempts by operation and outcome.",
	}, []string{"operation", "outcome"})
	gateway := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of outbound gateway API calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"gateway", "operation", "outcome"})
	reg.MustRegister(webhooks, reconcile, gateway)
	return &PaymentMetrics{webhooks: webhooks, reconcile: reconcile, gateway: gateway}
}

// WebhookEvent counts one processed notification.
func (m *PaymentMetrics) WebhookEvent(gateway, event, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(gateway), normalizeLabel(event), normalizeLabel(outcome)).Inc()
}

// Reconciled counts one reconciler call.
func (m *PaymentMetrics) Reconciled(operation, outcome string) {
	if m == nil || m.reconcile == nil {
		return
	}
	m.reconcile.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

// ObserveGatewayCall records latency for one outbound call.
func (m *PaymentMetrics) ObserveGatewayCall(gateway, operation string, err error, duration time.Duration) {
	if m == nil || m.gateway == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gateway.WithLabelValues(normalizeLabel(gateway), normalizeLabel(operation), outcome).Observe(duration.Seconds())
}
