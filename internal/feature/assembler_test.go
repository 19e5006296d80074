package feature

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTransaction() *domain.Transaction {
	// Saturday 23:10 UTC
	ts := time.Date(2025, 3, 15, 23, 10, 0, 0, time.UTC)
	return &domain.Transaction{
		ID:         "txn-001",
		UserID:     "user-001",
		MerchantID: "merchant-001",
		Amount:     1000,
		Currency:   "USD",
		Type:       domain.TypeWithdrawal,
		Channel:    domain.ChannelATM,
		Timestamp:  ts,
		CreatedAt:  ts,
	}
}

func testContext() *domain.HistoricalContext {
	return &domain.HistoricalContext{
		UserTxnCount:      10,
		UserAvgAmount:     100,
		UserStdAmount:     50,
		UserMaxAmount:     400,
		TxnsLastHour:      5,
		TxnsLastDay:       12,
		SecondsSinceLast:  120,
		MerchantTxnCount:  200,
		MerchantAvgAmount: 80,
		MerchantFraudRate: 0.02,
	}
}

func wantFeature(t *testing.T, fv *domain.FeatureVector, name string, want float64) {
	t.Helper()
	got := fv.Get(name)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("feature %s: expected %f, got %f", name, want, got)
	}
}

func TestAssemble(t *testing.T) {
	a := NewAssembler()

	t.Run("FullVector", func(t *testing.T) {
		fv, err := a.Assemble(testTransaction(), testContext(), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if fv.SchemaVersion != SchemaV1 {
			t.Errorf("expected schema %s, got %s", SchemaV1, fv.SchemaVersion)
		}
		if fv.Len() != len(V1Names) {
			t.Fatalf("expected %d features, got %d", len(V1Names), fv.Len())
		}

		wantFeature(t, fv, "amount", 1000)
		wantFeature(t, fv, "amount_log", math.Log1p(1000))

		wantFeature(t, fv, "transaction_type_withdrawal", 1)
		wantFeature(t, fv, "transaction_type_purchase", 0)
		wantFeature(t, fv, "channel_atm", 1)
		wantFeature(t, fv, "channel_online", 0)

		wantFeature(t, fv, "hour", 23)
		wantFeature(t, fv, "day_of_week", 5)
		wantFeature(t, fv, "is_weekend", 1)
		wantFeature(t, fv, "is_night", 1)
		wantFeature(t, fv, "is_business_hours", 0)

		wantFeature(t, fv, "user_transaction_count", 10)
		wantFeature(t, fv, "user_avg_amount", 100)
		wantFeature(t, fv, "user_std_amount", 50)
		wantFeature(t, fv, "user_max_amount", 400)

		// (1000 - 100) / 50 = 18 sigma
		wantFeature(t, fv, "amount_deviation_from_avg", 18)
		wantFeature(t, fv, "is_amount_outlier", 1)
		wantFeature(t, fv, "amount_vs_avg_ratio", 10)

		wantFeature(t, fv, "transactions_last_hour", 5)
		wantFeature(t, fv, "transactions_last_day", 12)
		wantFeature(t, fv, "time_since_last_transaction_minutes", 2)
		wantFeature(t, fv, "is_first_transaction", 0)

		wantFeature(t, fv, "merchant_transaction_count", 200)
		wantFeature(t, fv, "merchant_avg_amount", 80)
		wantFeature(t, fv, "merchant_fraud_rate", 0.02)
	})

	t.Run("FirstTransaction", func(t *testing.T) {
		hctx := &domain.HistoricalContext{SecondsSinceLast: -1}

		fv, err := a.Assemble(testTransaction(), hctx, SchemaV1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		wantFeature(t, fv, "is_first_transaction", 1)
		wantFeature(t, fv, "time_since_last_transaction_minutes", firstTransactionMinutes)
		wantFeature(t, fv, "amount_deviation_from_avg", 0)
		wantFeature(t, fv, "is_amount_outlier", 0)
		wantFeature(t, fv, "amount_vs_avg_ratio", 0)
	})

	t.Run("NilContext", func(t *testing.T) {
		fv, err := a.Assemble(testTransaction(), nil, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		wantFeature(t, fv, "is_first_transaction", 1)
	})

	t.Run("Deterministic", func(t *testing.T) {
		fv1, err := a.Assemble(testTransaction(), testContext(), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		fv2, err := a.Assemble(testTransaction(), testContext(), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(fv1, fv2) {
			t.Error("same inputs produced different vectors")
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		txn := testTransaction()
		txn.Amount = -5

		_, err := a.Assemble(txn, testContext(), "")
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if verr.Field != "amount" {
			t.Errorf("expected field 'amount', got %q", verr.Field)
		}
	})

	t.Run("SchemaMismatch", func(t *testing.T) {
		_, err := a.Assemble(testTransaction(), testContext(), "v2")
		var serr *domain.SchemaMismatchError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SchemaMismatchError, got %v", err)
		}
		if serr.Required != "v2" || serr.Produced != SchemaV1 {
			t.Errorf("unexpected mismatch detail: %+v", serr)
		}
	})
}

func TestSchemaNamesUnique(t *testing.T) {
	seen := make(map[string]bool, len(V1Names))
	for _, name := range V1Names {
		if seen[name] {
			t.Errorf("duplicate feature name %q", name)
		}
		seen[name] = true
	}
}
