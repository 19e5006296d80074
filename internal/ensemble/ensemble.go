// Package ensemble fans one feature vector out to every model in the active
// snapshot and collects per-model probabilities. Models score concurrently
// under a semaphore; a model that times out or errors is dropped from the
// pass rather than failing the request, as long as at least one model
// still answers.
package ensemble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/registry"
)

const (
	DefaultModelTimeout  = 50 * time.Millisecond
	DefaultMaxConcurrent = 8
)

// ModelOutput is one model's answer for one request.
type ModelOutput struct {
	Record        *domain.ModelRecord
	Probability   float64
	Latency       time.Duration
	Contributions map[string]float64
	Exact         bool
}

// Score converts the output into the decision record form.
func (o *ModelOutput) Score() domain.ModelScore {
	return domain.ModelScore{
		ModelName:    o.Record.Name,
		ModelVersion: o.Record.Version,
		Probability:  o.Probability,
		Latency:      o.Latency,
		LatencyMs:    float64(o.Latency.Nanoseconds()) / 1e6,
	}
}

// Result is the collected ensemble pass.
type Result struct {
	Outputs []*ModelOutput
	Dropped []string
}

// Scorer runs ensemble passes with a per-model deadline.
type Scorer struct {
	timeout       time.Duration
	maxConcurrent int
}

func NewScorer(timeout time.Duration, maxConcurrent int) *Scorer {
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Scorer{timeout: timeout, maxConcurrent: maxConcurrent}
}

// Score runs every model in the snapshot against the vector. Returns
// ErrNoModelAvailable when the snapshot is empty or every model failed;
// callers must route that to manual review, never auto-approve.
func (s *Scorer) Score(ctx context.Context, snap *registry.Snapshot, fv *domain.FeatureVector) (*Result, error) {
	if snap == nil || len(snap.Models) == 0 {
		return nil, domain.ErrNoModelAvailable
	}

	outputs := make([]*ModelOutput, len(snap.Models))
	failures := make([]error, len(snap.Models))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, s.maxConcurrent)

	for i, m := range snap.Models {
		wg.Add(1)
		go func(idx int, am *registry.ActiveModel) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			outputs[idx], failures[idx] = s.scoreOne(ctx, am, fv)
		}(i, m)
	}

	wg.Wait()

	result := &Result{}
	for i := range outputs {
		if failures[i] != nil {
			name := snap.Models[i].Record.Name
			var timeoutErr *domain.ModelTimeoutError
			if errors.As(failures[i], &timeoutErr) {
				metrics.ModelTimeoutsTotal.WithLabelValues(name).Inc()
				slog.Warn("model timed out, dropped from ensemble pass",
					"model", name,
					"timeout", s.timeout)
			} else {
				metrics.ModelFailuresTotal.WithLabelValues(name).Inc()
				slog.Error("model scoring failed, dropped from ensemble pass",
					"model", name,
					"error", failures[i])
			}
			result.Dropped = append(result.Dropped, name)
			continue
		}
		metrics.ModelScoreDuration.WithLabelValues(snap.Models[i].Record.Name).Observe(outputs[i].Latency.Seconds())
		result.Outputs = append(result.Outputs, outputs[i])
	}

	if len(result.Outputs) == 0 {
		return nil, domain.ErrNoModelAvailable
	}
	return result, nil
}

// scoreOne runs a single model with the per-model deadline. Predict is pure
// computation and cannot be interrupted, so the deadline is enforced by
// abandoning the result, not by cancelling the work.
func (s *Scorer) scoreOne(ctx context.Context, am *registry.ActiveModel, fv *domain.FeatureVector) (*ModelOutput, error) {
	start := time.Now()

	type answer struct {
		out *ModelOutput
		err error
	}
	done := make(chan answer, 1)

	go func() {
		p, err := am.Model.Predict(fv)
		if err != nil {
			done <- answer{err: err}
			return
		}
		contributions, exact := am.Model.Contributions(fv)
		done <- answer{out: &ModelOutput{
			Record:        am.Record,
			Probability:   p,
			Contributions: contributions,
			Exact:         exact,
		}}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case a := <-done:
		if a.err != nil {
			return nil, a.err
		}
		a.out.Latency = time.Since(start)
		return a.out, nil
	case <-timer.C:
		return nil, &domain.ModelTimeoutError{Model: am.Record.Name, Timeout: s.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
