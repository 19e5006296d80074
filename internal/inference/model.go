// Package inference executes trained model artifacts against feature
// vectors. Artifacts are JSON documents produced by the offline training
// pipeline; Compile validates them once so Predict stays cheap on the
// scoring hot path.
package inference

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Model scores a single feature vector. Implementations are immutable after
// Compile and safe for concurrent use.
type Model interface {
	// Predict returns a fraud probability in [0, 1].
	Predict(fv *domain.FeatureVector) (float64, error)

	// Contributions returns signed per-feature attributions for one vector.
	// Positive values push toward fraud. exact is false when the attributions
	// are importance-based approximations rather than additive terms of the
	// model output.
	Contributions(fv *domain.FeatureVector) (contribs map[string]float64, exact bool)
}

// Compile parses and validates a model artifact into an executable model.
func Compile(kind domain.ModelKind, artifact json.RawMessage) (Model, error) {
	if len(artifact) == 0 {
		return nil, fmt.Errorf("%s artifact is empty", kind)
	}

	switch kind {
	case domain.KindLogistic:
		return compileLogistic(artifact)
	case domain.KindGradientBoost:
		return compileGradientBoost(artifact)
	case domain.KindRandomForest:
		return compileRandomForest(artifact)
	default:
		return nil, fmt.Errorf("unknown model kind: %s", kind)
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// standardization holds the training distribution stats artifacts carry for
// z-scoring raw feature values.
type standardization struct {
	means map[string]float64
	stds  map[string]float64
}

// zscore winsorizes to +/-5 so sentinel feature values cannot dominate a
// linear term.
func (s *standardization) zscore(feature string, value float64) float64 {
	z := (value - s.means[feature]) / (s.stds[feature] + 1e-10)
	if z > 5 {
		return 5
	}
	if z < -5 {
		return -5
	}
	return z
}
