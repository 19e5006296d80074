// Package explain ranks the features behind a decision. Per-model additive
// contribution estimates are combined with the same weights the policy used
// to combine the probabilities, so the explanation describes the score that
// was actually produced.
package explain

import (
	"log/slog"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
)

const DefaultTopN = 3

// Ranker produces the top-N risk factor list for a decision.
type Ranker struct {
	topN int
}

func NewRanker(topN int) *Ranker {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Ranker{topN: topN}
}

// Explain combines per-model contributions into one ranked factor list.
// Positive contributions push toward fraud, negative away from it. The
// result is approximate whenever any contributing model could only estimate
// its attribution. Never errors; an impossible attribution yields an empty
// list and a logged warning.
func (r *Ranker) Explain(outputs []*ensemble.ModelOutput, weights map[string]float64) *domain.Explanation {
	combined := make(map[string]float64)
	approximate := false

	for _, output := range outputs {
		w := weights[output.Record.Name]
		if w == 0 {
			continue
		}
		if !output.Exact {
			approximate = true
		}
		for feature, contribution := range output.Contributions {
			combined[feature] += w * contribution
		}
	}

	if len(combined) == 0 {
		if len(outputs) > 0 {
			slog.Warn("attribution unavailable for score set",
				"models", len(outputs))
		}
		return &domain.Explanation{Factors: []domain.RiskFactor{}}
	}

	factors := make([]domain.RiskFactor, 0, len(combined))
	for feature, contribution := range combined {
		factors = append(factors, domain.RiskFactor{
			Feature:      feature,
			Contribution: contribution,
		})
	}

	// Rank by magnitude; ties break on name so output is deterministic
	sort.Slice(factors, func(i, j int) bool {
		ai, aj := abs(factors[i].Contribution), abs(factors[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return factors[i].Feature < factors[j].Feature
	})

	if len(factors) > r.topN {
		factors = factors[:r.topN]
	}

	return &domain.Explanation{Factors: factors, Approximate: approximate}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
