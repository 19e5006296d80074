package inference

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
)

func vector(names []string, values []float64) *domain.FeatureVector {
	return &domain.FeatureVector{SchemaVersion: "v1", Names: names, Values: values}
}

func TestCompileLogistic(t *testing.T) {
	artifact := `{
		"features": ["x"],
		"means": {"x": 0},
		"stds": {"x": 1},
		"weights": {"x": 2},
		"bias": 0
	}`

	m, err := Compile(domain.KindLogistic, json.RawMessage(artifact))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	cases := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1, 1 / (1 + math.Exp(-2))},
		{-1, 1 / (1 + math.Exp(2))},
		// z-score winsorized at 5
		{100, 1 / (1 + math.Exp(-10))},
	}

	for _, tc := range cases {
		got, err := m.Predict(vector([]string{"x"}, []float64{tc.x}))
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("x=%f: expected %f, got %f", tc.x, tc.want, got)
		}
	}

	t.Run("ExactContributions", func(t *testing.T) {
		contribs, exact := m.Contributions(vector([]string{"x"}, []float64{1}))
		if !exact {
			t.Error("logistic contributions should be exact")
		}
		if math.Abs(contribs["x"]-2) > 1e-9 {
			t.Errorf("expected contribution 2, got %f", contribs["x"])
		}
	})

	t.Run("NilVector", func(t *testing.T) {
		if _, err := m.Predict(nil); err == nil {
			t.Error("expected error for nil vector")
		}
	})
}

func TestCompileGradientBoost(t *testing.T) {
	artifact := `{
		"features": ["a"],
		"means": {"a": 0},
		"stds": {"a": 1},
		"importance": {"a": 1},
		"base_score": 0,
		"learning_rate": 0.5,
		"trees": [
			{
				"feature": "a", "threshold": 10,
				"left": {"value": -2},
				"right": {"value": 2}
			}
		]
	}`

	m, err := Compile(domain.KindGradientBoost, json.RawMessage(artifact))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	// a <= 10 routes left: sigmoid(0.5 * -2)
	got, err := m.Predict(vector([]string{"a"}, []float64{5}))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if want := 1 / (1 + math.Exp(1)); math.Abs(got-want) > 1e-9 {
		t.Errorf("left branch: expected %f, got %f", want, got)
	}

	// a > 10 routes right: sigmoid(0.5 * 2)
	got, err = m.Predict(vector([]string{"a"}, []float64{11}))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if want := 1 / (1 + math.Exp(-1)); math.Abs(got-want) > 1e-9 {
		t.Errorf("right branch: expected %f, got %f", want, got)
	}

	t.Run("ApproximateContributions", func(t *testing.T) {
		contribs, exact := m.Contributions(vector([]string{"a"}, []float64{2}))
		if exact {
			t.Error("tree contributions should be approximate")
		}
		if math.Abs(contribs["a"]-2) > 1e-9 {
			t.Errorf("expected importance*zscore 2, got %f", contribs["a"])
		}
	})
}

func TestCompileRandomForest(t *testing.T) {
	artifact := `{
		"features": ["a"],
		"means": {"a": 0},
		"stds": {"a": 1},
		"importance": {"a": 1},
		"trees": [
			{"feature": "a", "threshold": 0, "left": {"value": 0.2}, "right": {"value": 0.8}},
			{"feature": "a", "threshold": 0, "left": {"value": 0.4}, "right": {"value": 0.6}}
		]
	}`

	m, err := Compile(domain.KindRandomForest, json.RawMessage(artifact))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	got, err := m.Predict(vector([]string{"a"}, []float64{-1}))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if math.Abs(got-0.3) > 1e-9 {
		t.Errorf("expected average 0.3, got %f", got)
	}

	got, err = m.Predict(vector([]string{"a"}, []float64{1}))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if math.Abs(got-0.7) > 1e-9 {
		t.Errorf("expected average 0.7, got %f", got)
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name     string
		kind     domain.ModelKind
		artifact string
	}{
		{"EmptyArtifact", domain.KindLogistic, ""},
		{"UnknownKind", domain.ModelKind("neural"), `{}`},
		{"LogisticNoFeatures", domain.KindLogistic, `{"features": []}`},
		{"LogisticMissingWeight", domain.KindLogistic, `{"features": ["x"], "weights": {}}`},
		{"BoostNoTrees", domain.KindGradientBoost, `{"features": ["a"], "trees": []}`},
		{"ForestMalformedTree", domain.KindRandomForest, `{
			"features": ["a"],
			"trees": [{"feature": "a", "threshold": 1, "left": {"value": 0.2}}]
		}`},
		{"BoostSplitWithoutFeature", domain.KindGradientBoost, `{
			"features": ["a"],
			"trees": [{"threshold": 1, "left": {"value": 0.1}, "right": {"value": 0.2}}]
		}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(tc.kind, json.RawMessage(tc.artifact)); err == nil {
				t.Error("expected compile error")
			}
		})
	}
}

func TestDefaultRecordsCompile(t *testing.T) {
	records := DefaultRecords()
	if len(records) != 3 {
		t.Fatalf("expected 3 default records, got %d", len(records))
	}

	for _, record := range records {
		t.Run(record.Name, func(t *testing.T) {
			if !record.IsTrained || !record.IsActive {
				t.Error("default records must be trained and active")
			}
			if record.SchemaVersion != feature.SchemaV1 {
				t.Errorf("expected schema %s, got %s", feature.SchemaV1, record.SchemaVersion)
			}
			if _, err := Compile(record.Kind, record.Artifact); err != nil {
				t.Errorf("default artifact does not compile: %v", err)
			}
		})
	}
}

func TestDefaultEnsembleBehavior(t *testing.T) {
	assembler := feature.NewAssembler()

	models := make(map[string]Model)
	for _, record := range DefaultRecords() {
		m, err := Compile(record.Kind, record.Artifact)
		if err != nil {
			t.Fatalf("compile %s: %v", record.Name, err)
		}
		models[record.Name] = m
	}

	t.Run("BenignEstablishedUser", func(t *testing.T) {
		// Tuesday afternoon, typical amount for the user
		txn := &domain.Transaction{
			ID:         "txn-benign",
			UserID:     "user-001",
			MerchantID: "merchant-001",
			Amount:     80,
			Currency:   "USD",
			Type:       domain.TypePurchase,
			Channel:    domain.ChannelPOS,
			Timestamp:  time.Date(2025, 3, 11, 14, 0, 0, 0, time.UTC),
		}
		hctx := &domain.HistoricalContext{
			UserTxnCount:      30,
			UserAvgAmount:     80,
			UserStdAmount:     20,
			UserMaxAmount:     150,
			TxnsLastHour:      0,
			TxnsLastDay:       2,
			SecondsSinceLast:  7200,
			MerchantTxnCount:  500,
			MerchantAvgAmount: 90,
			MerchantFraudRate: 0.005,
		}

		fv, err := assembler.Assemble(txn, hctx, "")
		if err != nil {
			t.Fatalf("assemble failed: %v", err)
		}

		for name, m := range models {
			p, err := m.Predict(fv)
			if err != nil {
				t.Fatalf("%s predict failed: %v", name, err)
			}
			if p >= 0.1 {
				t.Errorf("%s: benign transaction scored %f, expected < 0.1", name, p)
			}
		}
	})

	t.Run("FraudPattern", func(t *testing.T) {
		// Saturday night, 37x the user's average, burst of activity,
		// merchant with elevated fraud rate
		txn := &domain.Transaction{
			ID:         "txn-fraud",
			UserID:     "user-002",
			MerchantID: "merchant-002",
			Amount:     3000,
			Currency:   "USD",
			Type:       domain.TypeWithdrawal,
			Channel:    domain.ChannelOnline,
			Timestamp:  time.Date(2025, 3, 15, 23, 30, 0, 0, time.UTC),
		}
		hctx := &domain.HistoricalContext{
			UserTxnCount:      50,
			UserAvgAmount:     80,
			UserStdAmount:     40,
			UserMaxAmount:     500,
			TxnsLastHour:      6,
			TxnsLastDay:       8,
			SecondsSinceLast:  300,
			MerchantTxnCount:  50,
			MerchantAvgAmount: 60,
			MerchantFraudRate: 0.1,
		}

		fv, err := assembler.Assemble(txn, hctx, "")
		if err != nil {
			t.Fatalf("assemble failed: %v", err)
		}

		wantMin := map[string]float64{
			"gradient_boost": 0.9,
			"random_forest":  0.6,
			"logistic":       0.9,
		}
		for name, m := range models {
			p, err := m.Predict(fv)
			if err != nil {
				t.Fatalf("%s predict failed: %v", name, err)
			}
			if p < wantMin[name] {
				t.Errorf("%s: fraud pattern scored %f, expected >= %f", name, p, wantMin[name])
			}
		}
	})
}
