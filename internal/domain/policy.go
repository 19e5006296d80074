package domain

import (
	"time"
)

// Combiner names the score combination rule.
type Combiner string

const (
	// CombinerWeighted averages per-model probabilities by a static weight
	// table, renormalized over the models that actually scored.
	CombinerWeighted Combiner = "weighted"

	// CombinerMax takes the most pessimistic model. Conservative policies.
	CombinerMax Combiner = "max"
)

// EscalationRule is an operator-defined CEL expression evaluated against the
// request and combined score. A matching rule escalates the outcome to
// MinOutcome when that is more severe than the threshold-derived one; rules
// can never reduce severity.
type EscalationRule struct {
	ID         string  `json:"id"`
	Expression string  `json:"expression"`
	MinOutcome Outcome `json:"min_outcome"`
	Reason     string  `json:"reason"`
	Enabled    bool    `json:"enabled"`
}

// Policy is one immutable version of the decision configuration. A Decision
// records the policy version it was produced under so replays are exact.
type Policy struct {
	Version string `json:"version"`

	// Threshold bands: p >= HighThreshold declines, p >= ReviewThreshold
	// reviews, anything below approves.
	HighThreshold   float64 `json:"high_threshold"`
	ReviewThreshold float64 `json:"review_threshold"`

	Combiner Combiner           `json:"combiner"`
	Weights  map[string]float64 `json:"weights"`

	Escalations []EscalationRule `json:"escalations,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks threshold ordering and weight sanity.
func (p *Policy) Validate() error {
	if p.HighThreshold <= 0 || p.HighThreshold > 1 {
		return &ValidationError{Field: "high_threshold", Reason: "must be in (0, 1]"}
	}
	if p.ReviewThreshold <= 0 || p.ReviewThreshold >= p.HighThreshold {
		return &ValidationError{Field: "review_threshold", Reason: "must be in (0, high_threshold)"}
	}
	switch p.Combiner {
	case CombinerWeighted, CombinerMax:
	default:
		return &ValidationError{Field: "combiner", Reason: "must be weighted or max"}
	}
	if p.Combiner == CombinerWeighted && len(p.Weights) == 0 {
		return &ValidationError{Field: "weights", Reason: "required for weighted combiner"}
	}
	for name, w := range p.Weights {
		if w < 0 {
			return &ValidationError{Field: "weights." + name, Reason: "must be non-negative"}
		}
	}
	for _, r := range p.Escalations {
		switch r.MinOutcome {
		case OutcomeReview, OutcomeDecline:
		default:
			return &ValidationError{Field: "escalations", Reason: "min_outcome must be review or decline"}
		}
		if r.Expression == "" {
			return &ValidationError{Field: "escalations", Reason: "expression required"}
		}
	}
	return nil
}

// DefaultPolicy returns the boot policy: stock thresholds and the ensemble
// weights the models shipped with.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:         "policy-v1",
		HighThreshold:   0.9,
		ReviewThreshold: 0.5,
		Combiner:        CombinerWeighted,
		Weights: map[string]float64{
			"gradient_boost": 0.40,
			"random_forest":  0.35,
			"logistic":       0.25,
		},
		CreatedAt: time.Now().UTC(),
	}
}
