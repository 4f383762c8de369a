// Package metrics provides Prometheus metrics collection for the fedgate IdP service
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedgate",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fedgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Profile pipeline metrics
var (
	// ProfileRequestsTotal records processed federation profile requests.
	ProfileRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedgate",
			Name:      "profile_requests_total",
			Help:      "Total number of federation profile requests",
		},
		[]string{"profile", "binding", "outcome"}, // profile: sso, slo, ecp, artifact, attribute_query, wsfed
	)

	// SignatureOperationsTotal records signature sign/validate operations.
	SignatureOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedgate",
			Name:      "signature_operations_total",
			Help:      "Total number of signature operations",
		},
		[]string{"operation", "outcome"}, // operation: sign, validate; outcome: success, failure
	)

	// TicketOperationsTotal records ticket bridge operations.
	TicketOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedgate",
			Name:      "ticket_operations_total",
			Help:      "Total number of ticket bridge operations",
		},
		[]string{"kind", "operation", "outcome"}, // operation: issue, resolve; outcome: success, not_found, expired, error
	)

	// MetadataResolutionsTotal records relying-party metadata resolutions.
	MetadataResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fedgate",
			Name:      "metadata_resolutions_total",
			Help:      "Total number of relying-party metadata resolutions",
		},
		[]string{"outcome"}, // hit, refresh, stale, not_found, unavailable
	)
)

// GinMiddleware returns a Gin middleware that records HTTP metrics
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
