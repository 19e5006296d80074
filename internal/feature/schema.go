package feature

// SchemaV1 is the current feature schema version.
const SchemaV1 = "v1"

// V1Names lists the schema v1 features in vector order. The order is part of
// the schema contract: model artifacts reference features by name, but the
// persisted vector layout never changes within a version.
var V1Names = []string{
	// Transaction
	"amount",
	"amount_log",
	"transaction_type_purchase",
	"transaction_type_withdrawal",
	"transaction_type_transfer",
	"channel_online",
	"channel_mobile",
	"channel_atm",
	"channel_pos",

	// Temporal
	"hour",
	"day_of_week",
	"is_weekend",
	"is_night",
	"is_business_hours",

	// User baseline
	"user_transaction_count",
	"user_avg_amount",
	"user_std_amount",
	"user_max_amount",

	// Amount anomaly
	"amount_deviation_from_avg",
	"is_amount_outlier",
	"amount_vs_avg_ratio",

	// Velocity
	"transactions_last_hour",
	"transactions_last_day",
	"time_since_last_transaction_minutes",
	"is_first_transaction",

	// Merchant
	"merchant_transaction_count",
	"merchant_avg_amount",
	"merchant_fraud_rate",
}

// Supported reports whether the assembler can produce the given schema
// version.
func Supported(version string) bool {
	return version == SchemaV1
}
