package inference

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// logisticArtifact is the serialized form of a trained logistic regression.
// Weights apply to standardized feature values.
type logisticArtifact struct {
	Features []string           `json:"features"`
	Means    map[string]float64 `json:"means"`
	Stds     map[string]float64 `json:"stds"`
	Weights  map[string]float64 `json:"weights"`
	Bias     float64            `json:"bias"`
}

// LogisticModel scores with a standardized logistic regression. Its
// contributions are exact: each feature's additive term in the logit.
type LogisticModel struct {
	features []string
	std      standardization
	weights  map[string]float64
	bias     float64
}

func compileLogistic(raw json.RawMessage) (*LogisticModel, error) {
	var art logisticArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("parse logistic artifact: %w", err)
	}
	if len(art.Features) == 0 {
		return nil, fmt.Errorf("logistic artifact has no features")
	}
	for _, f := range art.Features {
		if _, ok := art.Weights[f]; !ok {
			return nil, fmt.Errorf("logistic artifact missing weight for %q", f)
		}
	}

	return &LogisticModel{
		features: art.Features,
		std:      standardization{means: art.Means, stds: art.Stds},
		weights:  art.Weights,
		bias:     art.Bias,
	}, nil
}

// Predict returns sigmoid(bias + sum of weighted standardized features).
func (m *LogisticModel) Predict(fv *domain.FeatureVector) (float64, error) {
	if fv == nil {
		return 0, fmt.Errorf("feature vector is nil")
	}

	z := m.bias
	for _, f := range m.features {
		z += m.weights[f] * m.std.zscore(f, fv.Get(f))
	}
	return sigmoid(z), nil
}

// Contributions returns each feature's signed logit term.
func (m *LogisticModel) Contributions(fv *domain.FeatureVector) (map[string]float64, bool) {
	contribs := make(map[string]float64, len(m.features))
	if fv == nil {
		return contribs, true
	}

	for _, f := range m.features {
		contribs[f] = m.weights[f] * m.std.zscore(f, fv.Get(f))
	}
	return contribs, true
}
