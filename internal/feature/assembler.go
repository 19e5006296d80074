// Package feature assembles model input vectors from transactions and their
// historical context.
package feature

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sentinel for users with no prior transactions. Large enough to sit far
// outside any real inter-transaction gap.
const firstTransactionMinutes = 999999

// Assembler builds feature vectors. Stateless and side-effect free: the same
// transaction and context always produce the same vector.
type Assembler struct{}

// NewAssembler creates a feature assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble produces the feature vector for a transaction under the requested
// schema version (empty means current). Fails with *domain.ValidationError
// when the transaction is out of domain and *domain.SchemaMismatchError when
// the requested schema cannot be produced.
func (a *Assembler) Assemble(txn *domain.Transaction, hctx *domain.HistoricalContext, schemaVersion string) (*domain.FeatureVector, error) {
	if schemaVersion == "" {
		schemaVersion = SchemaV1
	}
	if !Supported(schemaVersion) {
		return nil, &domain.SchemaMismatchError{Required: schemaVersion, Produced: SchemaV1}
	}

	if err := txn.Validate(); err != nil {
		return nil, err
	}
	if hctx == nil {
		hctx = &domain.HistoricalContext{SecondsSinceLast: -1}
	}

	ts := txn.Timestamp.UTC()
	hour := ts.Hour()
	// Monday = 0 .. Sunday = 6
	dayOfWeek := (int(ts.Weekday()) + 6) % 7

	avg := hctx.UserAvgAmount
	std := hctx.UserStdAmount

	var deviation, ratio float64
	var outlier bool
	if hctx.UserTxnCount > 0 {
		deviation = (txn.Amount - avg) / (std + 1e-10)
		outlier = math.Abs(deviation) > 3
		ratio = txn.Amount / (avg + 1e-10)
	}

	sinceMinutes := float64(firstTransactionMinutes)
	if hctx.SecondsSinceLast >= 0 {
		sinceMinutes = float64(hctx.SecondsSinceLast) / 60
	}

	vals := map[string]float64{
		"amount":                      txn.Amount,
		"amount_log":                  math.Log1p(txn.Amount),
		"transaction_type_purchase":   b2f(txn.Type == domain.TypePurchase),
		"transaction_type_withdrawal": b2f(txn.Type == domain.TypeWithdrawal),
		"transaction_type_transfer":   b2f(txn.Type == domain.TypeTransfer),
		"channel_online":              b2f(txn.Channel == domain.ChannelOnline),
		"channel_mobile":              b2f(txn.Channel == domain.ChannelMobile),
		"channel_atm":                 b2f(txn.Channel == domain.ChannelATM),
		"channel_pos":                 b2f(txn.Channel == domain.ChannelPOS),

		"hour":              float64(hour),
		"day_of_week":       float64(dayOfWeek),
		"is_weekend":        b2f(dayOfWeek >= 5),
		"is_night":          b2f(hour < 6 || hour > 22),
		"is_business_hours": b2f(hour >= 9 && hour <= 17),

		"user_transaction_count": float64(hctx.UserTxnCount),
		"user_avg_amount":        hctx.UserAvgAmount,
		"user_std_amount":        hctx.UserStdAmount,
		"user_max_amount":        hctx.UserMaxAmount,

		"amount_deviation_from_avg": deviation,
		"is_amount_outlier":         b2f(outlier),
		"amount_vs_avg_ratio":       ratio,

		"transactions_last_hour":              float64(hctx.TxnsLastHour),
		"transactions_last_day":               float64(hctx.TxnsLastDay),
		"time_since_last_transaction_minutes": sinceMinutes,
		"is_first_transaction":                b2f(hctx.UserTxnCount == 0),

		"merchant_transaction_count": float64(hctx.MerchantTxnCount),
		"merchant_avg_amount":        hctx.MerchantAvgAmount,
		"merchant_fraud_rate":        hctx.MerchantFraudRate,
	}

	values := make([]float64, len(V1Names))
	for i, name := range V1Names {
		values[i] = vals[name]
	}

	return &domain.FeatureVector{
		SchemaVersion: SchemaV1,
		Names:         V1Names,
		Values:        values,
	}, nil
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
