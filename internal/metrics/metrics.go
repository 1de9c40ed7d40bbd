// Package metrics provides Prometheus instrumentation for the SDK and the simulator.
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
			Namespace: "tpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DispatchAttemptsTotal counts SDK transport attempts by operation and outcome.
	// Outcomes: success, retryable, fatal, challenged.
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpay",
			Name:      "dispatch_attempts_total",
			Help:      "Total SDK dispatch attempts by operation and attempt outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// RetriesExhaustedTotal counts dispatches that used up every attempt.
	RetriesExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tpay",
		Name:      "retries_exhausted_total",
		Help:      "Total SDK dispatches that exhausted their retry budget.",
	})

	// PaymentsTotal counts payments recorded by the ledger by status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpay",
			Name:      "payments_total",
			Help:      "Total payment status transitions recorded by the ledger.",
		},
		[]string{"status"},
	)

	// ChallengesTotal counts challenge lifecycle events by result.
	ChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpay",
			Name:      "challenges_total",
			Help:      "Total payment challenges by result (issued, resolved, expired).",
		},
		[]string{"result"},
	)

	// AuditRecordsTotal counts audit trace deliveries by result.
	AuditRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpay",
			Name:      "audit_records_total",
			Help:      "Total audit trace records by delivery result (sent, dropped, failed).",
		},
		[]string{"result"},
	)

	// PollDuration observes how long PollUntilTerminal waited for a terminal status.
	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tpay",
		Name:      "poll_duration_seconds",
		Help:      "Time spent polling a payment until it reached a terminal status.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// ActiveWebSocketClients tracks connected payment feed subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tpay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected payment feed subscribers.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpay", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpay", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DispatchAttemptsTotal,
		RetriesExhaustedTotal,
		PaymentsTotal,
		ChallengesTotal,
		AuditRecordsTotal,
		PollDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
