package inference

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// treeNode is one node of a serialized decision tree. Internal nodes route
// feature <= threshold to the left child, otherwise right; leaves carry a
// value (a margin for boosted trees, a probability for forest trees).
type treeNode struct {
	Feature   string    `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
	Value     *float64  `json:"value,omitempty"`
}

func (n *treeNode) eval(fv *domain.FeatureVector) float64 {
	node := n
	for node.Value == nil {
		if fv.Get(node.Feature) <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return *node.Value
}

// validate walks the tree rejecting malformed nodes before they can reach
// the scoring path.
func (n *treeNode) validate() error {
	if n == nil {
		return fmt.Errorf("nil tree node")
	}
	if n.Value != nil {
		return nil
	}
	if n.Feature == "" {
		return fmt.Errorf("internal node has no split feature")
	}
	if n.Left == nil || n.Right == nil {
		return fmt.Errorf("internal node on %q is missing a child", n.Feature)
	}
	if err := n.Left.validate(); err != nil {
		return err
	}
	return n.Right.validate()
}

// treeArtifact is the shared serialized form of tree ensembles.
type treeArtifact struct {
	Features   []string           `json:"features"`
	Means      map[string]float64 `json:"means"`
	Stds       map[string]float64 `json:"stds"`
	Importance map[string]float64 `json:"importance"`
	Trees      []*treeNode        `json:"trees"`

	// Boosting only
	BaseScore    float64 `json:"base_score"`
	LearningRate float64 `json:"learning_rate"`
}

func (a *treeArtifact) validate(kind domain.ModelKind) error {
	if len(a.Trees) == 0 {
		return fmt.Errorf("%s artifact has no trees", kind)
	}
	for i, tree := range a.Trees {
		if err := tree.validate(); err != nil {
			return fmt.Errorf("%s tree %d: %w", kind, i, err)
		}
	}
	return nil
}

// GradientBoostModel sums tree margins onto a base score and squashes the
// result through a sigmoid.
type GradientBoostModel struct {
	std          standardization
	importance   map[string]float64
	trees        []*treeNode
	baseScore    float64
	learningRate float64
}

func compileGradientBoost(raw json.RawMessage) (*GradientBoostModel, error) {
	var art treeArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("parse gradient_boost artifact: %w", err)
	}
	if err := art.validate(domain.KindGradientBoost); err != nil {
		return nil, err
	}

	lr := art.LearningRate
	if lr == 0 {
		lr = 1
	}

	return &GradientBoostModel{
		std:          standardization{means: art.Means, stds: art.Stds},
		importance:   art.Importance,
		trees:        art.Trees,
		baseScore:    art.BaseScore,
		learningRate: lr,
	}, nil
}

func (m *GradientBoostModel) Predict(fv *domain.FeatureVector) (float64, error) {
	if fv == nil {
		return 0, fmt.Errorf("feature vector is nil")
	}

	raw := m.baseScore
	for _, tree := range m.trees {
		raw += m.learningRate * tree.eval(fv)
	}
	return sigmoid(raw), nil
}

// Contributions approximates attributions as importance scaled by the
// feature's z-score against the training distribution.
func (m *GradientBoostModel) Contributions(fv *domain.FeatureVector) (map[string]float64, bool) {
	return importanceContributions(fv, m.importance, &m.std), false
}

// RandomForestModel averages per-tree leaf probabilities.
type RandomForestModel struct {
	std        standardization
	importance map[string]float64
	trees      []*treeNode
}

func compileRandomForest(raw json.RawMessage) (*RandomForestModel, error) {
	var art treeArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("parse random_forest artifact: %w", err)
	}
	if err := art.validate(domain.KindRandomForest); err != nil {
		return nil, err
	}

	return &RandomForestModel{
		std:        standardization{means: art.Means, stds: art.Stds},
		importance: art.Importance,
		trees:      art.Trees,
	}, nil
}

func (m *RandomForestModel) Predict(fv *domain.FeatureVector) (float64, error) {
	if fv == nil {
		return 0, fmt.Errorf("feature vector is nil")
	}

	var sum float64
	for _, tree := range m.trees {
		sum += tree.eval(fv)
	}
	return clamp01(sum / float64(len(m.trees))), nil
}

func (m *RandomForestModel) Contributions(fv *domain.FeatureVector) (map[string]float64, bool) {
	return importanceContributions(fv, m.importance, &m.std), false
}

func importanceContributions(fv *domain.FeatureVector, importance map[string]float64, std *standardization) map[string]float64 {
	contribs := make(map[string]float64, len(importance))
	if fv == nil {
		return contribs
	}

	for f, imp := range importance {
		contribs[f] = imp * std.zscore(f, fv.Get(f))
	}
	return contribs
}
