package domain

// FeatureVector is an ordered, named numeric feature set derived from a
// transaction and its historical context. Owned by exactly one scoring
// invocation and never mutated after construction.
type FeatureVector struct {
	SchemaVersion string    `json:"schema_version"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
}

// Get returns the value for a named feature, or 0 if absent.
func (fv *FeatureVector) Get(name string) float64 {
	for i, n := range fv.Names {
		if n == name {
			return fv.Values[i]
		}
	}
	return 0
}

// Len returns the number of features in the vector.
func (fv *FeatureVector) Len() int {
	return len(fv.Values)
}

// HistoricalContext is the read-only snapshot of aggregates the assembler
// consumes. One snapshot per request; safe to reuse across retries of the
// same request.
type HistoricalContext struct {
	// User baseline over the lookback window
	UserTxnCount  int64   `json:"user_transaction_count"`
	UserAvgAmount float64 `json:"user_avg_amount"`
	UserStdAmount float64 `json:"user_std_amount"`
	UserMaxAmount float64 `json:"user_max_amount"`

	// Velocity counters
	TxnsLastHour     int64 `json:"transactions_last_hour"`
	TxnsLastDay      int64 `json:"transactions_last_day"`
	SecondsSinceLast int64 `json:"seconds_since_last_transaction"`

	// Merchant aggregates
	MerchantTxnCount  int64   `json:"merchant_transaction_count"`
	MerchantAvgAmount float64 `json:"merchant_avg_amount"`
	MerchantFraudRate float64 `json:"merchant_fraud_rate"`
}
