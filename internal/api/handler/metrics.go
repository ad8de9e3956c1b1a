package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	auditRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_http_rate_limited_total",
		Help: "Requests rejected by the per-IP rate limiter.",
	})

	auditChainAuditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_chain_audits_total",
		Help: "Periodic chain audits by result.",
	}, []string{"result"})

	auditWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})
)

// RecordWebhookDelivery counts one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	auditWebhookDeliveriesTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordChainAudit counts one periodic chain audit.
func RecordChainAudit(success bool) {
	auditChainAuditsTotal.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "ok"
	}
	return "failed"
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		auditRequestsTotal.WithLabelValues(method, path, status).Inc()
		auditRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
