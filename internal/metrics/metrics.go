// Package metrics provides Prometheus instrumentation for the Kestrel
// scoring service.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and
	// status bucket.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts scoring decisions by outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "decisions_total",
			Help:      "Total committed scoring decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// FraudDetectedTotal counts decisions flagged as fraud.
	FraudDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "fraud_detected_total",
		Help:      "Total decisions with the fraud flag set.",
	})

	// ScoringDuration observes end-to-end scoring latency, request entry to
	// committed decision.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "scoring_duration_seconds",
		Help:      "End-to-end scoring latency in seconds.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// ScoringErrorsTotal counts failed scoring requests by error kind.
	ScoringErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "scoring_errors_total",
			Help:      "Total failed scoring requests by error kind.",
		},
		[]string{"kind"},
	)

	// DuplicatesTotal counts idempotent replays of already-scored transactions.
	DuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "duplicate_transactions_total",
		Help:      "Total requests answered from a previously committed decision.",
	})

	// ModelScoreDuration observes per-model inference latency.
	ModelScoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "model_score_duration_seconds",
			Help:      "Per-model inference latency in seconds.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		},
		[]string{"model"},
	)

	// ModelTimeoutsTotal counts models dropped from an ensemble pass by
	// deadline.
	ModelTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "model_timeouts_total",
			Help:      "Total per-model timeouts during ensemble passes.",
		},
		[]string{"model"},
	)

	// ModelFailuresTotal counts models dropped from an ensemble pass by error.
	ModelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "model_failures_total",
			Help:      "Total per-model scoring failures during ensemble passes.",
		},
		[]string{"model"},
	)

	// LedgerCommitDuration observes the atomic decision commit latency.
	LedgerCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "ledger_commit_duration_seconds",
		Help:      "Ledger commit latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// AuditEventsTotal counts appended audit events by type.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "audit_events_total",
			Help:      "Total audit ledger events appended by type.",
		},
		[]string{"event_type"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		FraudDetectedTotal,
		ScoringDuration,
		ScoringErrorsTotal,
		DuplicatesTotal,
		ModelScoreDuration,
		ModelTimeoutsTotal,
		ModelFailuresTotal,
		LedgerCommitDuration,
		AuditEventsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Handler returns the Prometheus exposition handler for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DBStatser is satisfied by repositories backed by database/sql.
type DBStatser interface {
	Stats() sql.DBStats
}

// StartRuntimeCollector periodically samples sql.DBStats and the goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, db DBStatser, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBIdleConnections.Set(float64(stats.Idle))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// StatusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
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
