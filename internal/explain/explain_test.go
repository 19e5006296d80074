package explain

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
)

func output(name string, exact bool, contributions map[string]float64) *ensemble.ModelOutput {
	return &ensemble.ModelOutput{
		Record:        &domain.ModelRecord{Name: name, Version: "1.0.0"},
		Contributions: contributions,
		Exact:         exact,
	}
}

func TestExplainCombinesByWeight(t *testing.T) {
	ranker := NewRanker(DefaultTopN)

	outputs := []*ensemble.ModelOutput{
		output("logistic", true, map[string]float64{
			"amount_deviation_from_avg": 2.0,
			"merchant_fraud_rate":       1.0,
		}),
		output("gradient_boost", true, map[string]float64{
			"amount_deviation_from_avg": 1.0,
			"transactions_last_hour":    0.5,
		}),
	}
	weights := map[string]float64{"logistic": 0.5, "gradient_boost": 0.5}

	explanation := ranker.Explain(outputs, weights)
	if explanation.Approximate {
		t.Error("Approximate = true, want false for all-exact outputs")
	}
	if len(explanation.Factors) != 3 {
		t.Fatalf("Factors = %d, want 3", len(explanation.Factors))
	}

	// 0.5*2.0 + 0.5*1.0 = 1.5 dominates
	top := explanation.Factors[0]
	if top.Feature != "amount_deviation_from_avg" {
		t.Errorf("top factor = %q, want amount_deviation_from_avg", top.Feature)
	}
	if top.Contribution != 1.5 {
		t.Errorf("top contribution = %v, want 1.5", top.Contribution)
	}
	if explanation.Factors[1].Feature != "merchant_fraud_rate" {
		t.Errorf("second factor = %q, want merchant_fraud_rate", explanation.Factors[1].Feature)
	}
}

func TestExplainApproximateWhenAnyModelEstimates(t *testing.T) {
	ranker := NewRanker(DefaultTopN)

	outputs := []*ensemble.ModelOutput{
		output("logistic", true, map[string]float64{"amount": 1.0}),
		output("random_forest", false, map[string]float64{"amount": 0.5}),
	}
	weights := map[string]float64{"logistic": 0.5, "random_forest": 0.5}

	explanation := ranker.Explain(outputs, weights)
	if !explanation.Approximate {
		t.Error("Approximate = false, want true when a tree model contributed")
	}
}

func TestExplainIgnoresZeroWeightModels(t *testing.T) {
	ranker := NewRanker(DefaultTopN)

	// The max combiner assigns weight only to the winning model; the
	// approximate loser must not poison the explanation.
	outputs := []*ensemble.ModelOutput{
		output("logistic", true, map[string]float64{"amount": 1.0}),
		output("random_forest", false, map[string]float64{"hour": 9.0}),
	}
	weights := map[string]float64{"logistic": 1.0}

	explanation := ranker.Explain(outputs, weights)
	if explanation.Approximate {
		t.Error("Approximate = true, want false when the inexact model has zero weight")
	}
	if len(explanation.Factors) != 1 {
		t.Fatalf("Factors = %d, want 1", len(explanation.Factors))
	}
	if explanation.Factors[0].Feature != "amount" {
		t.Errorf("factor = %q, want amount", explanation.Factors[0].Feature)
	}
}

func TestExplainTopNTruncation(t *testing.T) {
	ranker := NewRanker(2)

	outputs := []*ensemble.ModelOutput{
		output("logistic", true, map[string]float64{
			"a": 0.1, "b": -0.9, "c": 0.5, "d": 0.3,
		}),
	}
	explanation := ranker.Explain(outputs, map[string]float64{"logistic": 1.0})

	if len(explanation.Factors) != 2 {
		t.Fatalf("Factors = %d, want 2", len(explanation.Factors))
	}
	if explanation.Factors[0].Feature != "b" || explanation.Factors[0].Contribution != -0.9 {
		t.Errorf("top factor = %+v, want b/-0.9", explanation.Factors[0])
	}
	if explanation.Factors[1].Feature != "c" {
		t.Errorf("second factor = %q, want c", explanation.Factors[1].Feature)
	}
}

func TestExplainDeterministicTieBreak(t *testing.T) {
	ranker := NewRanker(3)

	outputs := []*ensemble.ModelOutput{
		output("logistic", true, map[string]float64{"zeta": 0.5, "alpha": 0.5, "mid": -0.5}),
	}

	for i := 0; i < 10; i++ {
		explanation := ranker.Explain(outputs, map[string]float64{"logistic": 1.0})
		got := []string{
			explanation.Factors[0].Feature,
			explanation.Factors[1].Feature,
			explanation.Factors[2].Feature,
		}
		want := []string{"alpha", "mid", "zeta"}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("iteration %d: order = %v, want %v", i, got, want)
			}
		}
	}
}

func TestExplainEmptyContributions(t *testing.T) {
	ranker := NewRanker(DefaultTopN)

	outputs := []*ensemble.ModelOutput{
		output("logistic", true, map[string]float64{}),
	}
	explanation := ranker.Explain(outputs, map[string]float64{"logistic": 1.0})

	if explanation.Factors == nil {
		t.Fatal("Factors = nil, want empty slice")
	}
	if len(explanation.Factors) != 0 {
		t.Errorf("Factors = %d, want 0", len(explanation.Factors))
	}
	if explanation.Approximate {
		t.Error("Approximate = true, want false")
	}
}
