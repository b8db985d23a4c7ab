// Package metrics exposes prometheus instruments for the HTTP surface and
// the billing domain.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the service records. A nil *Metrics is
// valid and records nothing, so handler tests need no registry.
type Metrics struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	webhookEvents   *prometheus.CounterVec
	paymentsTotal   *prometheus.CounterVec
	checkoutTotal   prometheus.Counter
	rateLimitDenied *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careledger_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careledger_webhook_events_total",
			Help: "Provider webhook events by outcome.",
		}, []string{"outcome"}),
		paymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careledger_payments_recorded_total",
			Help: "Ledger rows recorded by method.",
		}, []string{"method"}),
		checkoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careledger_checkout_sessions_total",
			Help: "Hosted checkout sessions created.",
		}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careledger_rate_limit_denied_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.webhookEvents,
		m.paymentsTotal,
		m.checkoutTotal,
		m.rateLimitDenied,
	)
	return m
}

func (m *Metrics) RecordWebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPayment(method string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordCheckoutSession() {
	if m == nil {
		return
	}
	m.checkoutTotal.Inc()
}

func (m *Metrics) RecordRateLimitDenied(route string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(route).Inc()
}

// GinMiddleware records request counts and latency per matched route. The
// raw URL path is never used as a label; unmatched requests collapse into
// "unmatched" to keep cardinality bounded.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}
