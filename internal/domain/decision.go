package domain

import (
	"time"
)

// RiskLevel is the coarse risk bucket derived from fraud probability.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Outcome is the action taken on a transaction.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// Severity orders outcomes: approve < review < decline.
// Used to guarantee escalation-only policy adjustments.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeReview:
		return 1
	case OutcomeDecline:
		return 2
	default:
		return 0
	}
}

// ModelScore is the output of one model for one feature vector.
// Ephemeral; only the aggregate is persisted.
type ModelScore struct {
	ModelName    string        `json:"model_name"`
	ModelVersion string        `json:"model_version"`
	Probability  float64       `json:"probability"`
	Latency      time.Duration `json:"-"`
	LatencyMs    float64       `json:"latency_ms"`
}

// RiskFactor is one ranked explanation entry. Positive contributions push
// toward fraud, negative ones away from it.
type RiskFactor struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// Explanation holds the ranked risk factors for a decision.
type Explanation struct {
	Factors     []RiskFactor `json:"factors"`
	Approximate bool         `json:"approximate"`
}

// Decision is the complete, immutable outcome for one transaction.
type Decision struct {
	ID            string `json:"decision_id"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	MerchantID    string `json:"merchant_id"`

	FraudScore float64   `json:"fraud_score"`
	IsFraud    bool      `json:"is_fraud"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Outcome    Outcome   `json:"decision"`

	TopRiskFactors []RiskFactor `json:"top_risk_factors"`
	Approximate    bool         `json:"approximate_explanation"`

	// Reasons of escalation rules that fired, in rule order
	Escalations []string `json:"escalation_reasons,omitempty"`

	// Replay provenance
	PolicyVersion string       `json:"policy_version"`
	ModelVersion  string       `json:"model_version"`
	ModelScores   []ModelScore `json:"model_scores,omitempty"`
	SchemaVersion string       `json:"feature_schema_version"`

	ProcessingMs float64   `json:"processing_time_ms"`
	ScoredAt     time.Time `json:"scored_at"`
}

// ScoreResponse is the API response for a scoring call.
type ScoreResponse struct {
	TransactionID  string       `json:"transaction_id"`
	FraudScore     float64      `json:"fraud_score"`
	IsFraud        bool         `json:"is_fraud"`
	RiskLevel      RiskLevel    `json:"risk_level"`
	Decision       Outcome      `json:"decision"`
	TopRiskFactors []RiskFactor `json:"top_risk_factors"`
	ProcessingMs   float64      `json:"processing_time_ms"`
	ModelVersion   string       `json:"model_version"`
}

// ToResponse converts a Decision to the API response shape.
func (d *Decision) ToResponse() *ScoreResponse {
	factors := d.TopRiskFactors
	if factors == nil {
		factors = []RiskFactor{}
	}
	return &ScoreResponse{
		TransactionID:  d.TransactionID,
		FraudScore:     d.FraudScore,
		IsFraud:        d.IsFraud,
		RiskLevel:      d.RiskLevel,
		Decision:       d.Outcome,
		TopRiskFactors: factors,
		ProcessingMs:   d.ProcessingMs,
		ModelVersion:   d.ModelVersion,
	}
}
