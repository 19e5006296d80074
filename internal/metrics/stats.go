package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recent latencies kept for percentile estimates.
const latencyWindowSize = 1024

// Stats is the process-lifetime operational snapshot served by /stats.
type Stats struct {
	TotalScored     int64     `json:"total_transactions_scored"`
	FraudDetected   int64     `json:"fraud_detected"`
	FraudRate       float64   `json:"fraud_rate"`
	Approved        int64     `json:"approved"`
	Reviewed        int64     `json:"reviewed"`
	Declined        int64     `json:"declined"`
	DuplicateHits   int64     `json:"duplicate_hits"`
	Errors          int64     `json:"errors"`
	AvgProcessingMs float64   `json:"avg_processing_time_ms"`
	P99ProcessingMs float64   `json:"p99_processing_time_ms"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	StartedAt       time.Time `json:"started_at"`
}

// Tracker accumulates scoring outcomes for the /stats endpoint and feeds the
// Prometheus collectors at the same call sites.
type Tracker struct {
	startedAt time.Time

	total      atomic.Int64
	fraud      atomic.Int64
	approved   atomic.Int64
	reviewed   atomic.Int64
	declined   atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64

	latencySumMicros atomic.Int64

	mu     sync.Mutex
	window [latencyWindowSize]float64
	next   int
	count  int
}

func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now().UTC()}
}

// ObserveDecision records one committed decision.
func (t *Tracker) ObserveDecision(outcome domain.Outcome, isFraud bool, elapsed time.Duration) {
	t.total.Add(1)
	switch outcome {
	case domain.OutcomeApprove:
		t.approved.Add(1)
	case domain.OutcomeReview:
		t.reviewed.Add(1)
	case domain.OutcomeDecline:
		t.declined.Add(1)
	}
	if isFraud {
		t.fraud.Add(1)
		FraudDetectedTotal.Inc()
	}
	DecisionsTotal.WithLabelValues(string(outcome)).Inc()
	ScoringDuration.Observe(elapsed.Seconds())

	t.latencySumMicros.Add(elapsed.Microseconds())
	ms := float64(elapsed.Nanoseconds()) / 1e6

	t.mu.Lock()
	t.window[t.next] = ms
	t.next = (t.next + 1) % latencyWindowSize
	if t.count < latencyWindowSize {
		t.count++
	}
	t.mu.Unlock()
}

// ObserveDuplicate records an idempotent replay answered from the ledger.
func (t *Tracker) ObserveDuplicate() {
	t.duplicates.Add(1)
	DuplicatesTotal.Inc()
}

// ObserveError records a failed scoring request.
func (t *Tracker) ObserveError(kind string) {
	t.errors.Add(1)
	ScoringErrorsTotal.WithLabelValues(kind).Inc()
}

// Snapshot returns the current stats.
func (t *Tracker) Snapshot() *Stats {
	total := t.total.Load()
	fraud := t.fraud.Load()

	stats := &Stats{
		TotalScored:   total,
		FraudDetected: fraud,
		Approved:      t.approved.Load(),
		Reviewed:      t.reviewed.Load(),
		Declined:      t.declined.Load(),
		DuplicateHits: t.duplicates.Load(),
		Errors:        t.errors.Load(),
		UptimeSeconds: time.Since(t.startedAt).Seconds(),
		StartedAt:     t.startedAt,
	}
	if total > 0 {
		stats.FraudRate = float64(fraud) / float64(total)
		stats.AvgProcessingMs = float64(t.latencySumMicros.Load()) / float64(total) / 1000
	}
	stats.P99ProcessingMs = t.percentile(0.99)
	return stats
}

func (t *Tracker) percentile(q float64) float64 {
	t.mu.Lock()
	n := t.count
	sample := make([]float64, n)
	copy(sample, t.window[:n])
	t.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Float64s(sample)
	idx := int(float64(n-1) * q)
	return sample[idx]
}
