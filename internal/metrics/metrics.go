// Package metrics provides Prometheus instrumentation for riskgate.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentCallsTotal counts scoring service calls by terminal outcome.
	AssessmentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "assessment_calls_total",
			Help:      "Total scoring service calls by outcome (success, rejected, exhausted, invalid_input).",
		},
		[]string{"outcome"},
	)

	// AssessmentRetriesTotal counts individual failed attempts that may be retried.
	AssessmentRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskgate",
		Name:      "assessment_retries_total",
		Help:      "Total scoring service attempts that failed and were eligible for retry.",
	})

	// AssessmentDuration observes end-to-end scoring call latency including retries.
	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskgate",
		Name:      "assessment_duration_seconds",
		Help:      "Scoring call duration in seconds, including retries and backoff.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// AssessmentFallbacksTotal counts synthesized fallback assessments.
	AssessmentFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskgate",
		Name:      "assessment_fallbacks_total",
		Help:      "Total fallback assessments synthesized while the scoring service was unavailable.",
	})

	// MediationDecisionsTotal counts mediation outcomes by action type and decision.
	MediationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "mediation_decisions_total",
			Help:      "Total mediation decisions by protected action and terminal state.",
		},
		[]string{"action", "decision"},
	)

	// SecurityEventsTotal counts audit log appends by event type.
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "security_events_total",
			Help:      "Total security events appended to the audit log by event type.",
		},
		[]string{"event_type"},
	)

	// FingerprintCollectionsTotal counts fingerprint syntheses by result.
	FingerprintCollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "fingerprint_collections_total",
			Help:      "Total fingerprint syntheses by result (ok, partial, fallback).",
		},
		[]string{"result"},
	)

	// ActiveAlertSubscribers tracks connected WebSocket alert consumers.
	ActiveAlertSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "riskgate",
			Name:      "active_alert_subscribers",
			Help:      "Number of currently connected WebSocket alert subscribers.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentCallsTotal,
		AssessmentRetriesTotal,
		AssessmentDuration,
		AssessmentFallbacksTotal,
		MediationDecisionsTotal,
		SecurityEventsTotal,
		FingerprintCollectionsTotal,
		ActiveAlertSubscribers,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
