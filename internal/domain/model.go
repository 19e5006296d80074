package domain

import (
	"encoding/json"
	"time"
)

// ModelKind identifies the inference algorithm a record's artifact encodes.
type ModelKind string

const (
	KindLogistic      ModelKind = "logistic"
	KindGradientBoost ModelKind = "gradient_boost"
	KindRandomForest  ModelKind = "random_forest"
)

// ModelMetrics is the trained-metric metadata captured at import time.
type ModelMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	AUC       float64 `json:"auc_roc"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Samples   int64   `json:"training_samples"`
}

// ModelRecord is an entry in the model registry. Records are never mutated
// in place; a new version supersedes rather than edits.
type ModelRecord struct {
	ID      string    `json:"model_id"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Kind    ModelKind `json:"kind"`

	// Serialized trained parameters, format owned by internal/inference.
	Artifact json.RawMessage `json:"artifact,omitempty"`

	SchemaVersion string       `json:"feature_schema_version"`
	Metrics       ModelMetrics `json:"metrics"`

	IsTrained bool `json:"is_trained"`
	IsActive  bool `json:"is_active"`

	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Key returns the registry lookup key, name and version combined.
func (m *ModelRecord) Key() string {
	return m.Name + "_" + m.Version
}
