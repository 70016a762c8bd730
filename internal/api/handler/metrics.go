package handler

import (
	"strconv"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evident_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evident_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evident_seals_total",
		Help: "Evidence items sealed by storage band.",
	}, []string{"band"})

	certificatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evident_certificate_requests_total",
		Help: "Answered certificate requests by status and whether a stored certificate was replayed.",
	}, []string{"status", "replay"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evident_health_checks_total",
		Help: "Dependency probes by dependency and result.",
	}, []string{"dependency", "result"})

	ledgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evident_ledger_entries_total",
		Help: "Ledger entries appended outside sealing and certification.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evident_webhook_deliveries_total",
		Help: "Operator webhook deliveries by success status.",
	}, []string{"status"})
)

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

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSeal records one sealed evidence item.
func RecordSeal(band model.StorageBand) {
	sealsTotal.WithLabelValues(string(band)).Inc()
}

// RecordCertificate records an answered certificate request.
func RecordCertificate(status model.CertificateStatus, replay bool) {
	certificatesTotal.WithLabelValues(string(status), strconv.FormatBool(replay)).Inc()
}

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(dependency string, success bool) {
	healthChecksTotal.WithLabelValues(dependency, result(success)).Inc()
}

// RecordLedgerAppend records a ledger entry append.
func RecordLedgerAppend() {
	ledgerEntriesTotal.Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	webhookDeliveriesTotal.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
