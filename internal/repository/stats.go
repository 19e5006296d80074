package repository

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DecisionCounts returns ledger-wide outcome totals for the stats surface.
func (r *SQLRepository) DecisionCounts(ctx context.Context) (*domain.DecisionCounts, error) {
	query := `
		SELECT COUNT(*),
			   COALESCE(SUM(is_fraud), 0),
			   COALESCE(SUM(CASE WHEN outcome = 'approve' THEN 1 ELSE 0 END), 0),
			   COALESCE(SUM(CASE WHEN outcome = 'review' THEN 1 ELSE 0 END), 0),
			   COALESCE(SUM(CASE WHEN outcome = 'decline' THEN 1 ELSE 0 END), 0)
		FROM decisions
	`

	var c domain.DecisionCounts
	err := r.db.QueryRowContext(ctx, query).Scan(
		&c.Total, &c.Flagged, &c.Approved, &c.Reviewed, &c.Declined,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UserAggregate computes a user's transaction baseline since the given time.
// Std deviation comes from the sum-of-squares identity so the same query
// works on SQLite and PostgreSQL.
func (r *SQLRepository) UserAggregate(ctx context.Context, userID string, since time.Time) (*domain.UserAggregate, error) {
	query := `
		SELECT COUNT(*),
			   COALESCE(AVG(amount), 0),
			   COALESCE(AVG(amount * amount), 0),
			   COALESCE(MAX(amount), 0),
			   MAX(timestamp)
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
	`

	var agg domain.UserAggregate
	var avgSq float64
	var lastSeen sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(
		&agg.Count, &agg.AvgAmount, &avgSq, &agg.MaxAmount, &lastSeen,
	)
	if err != nil {
		return nil, err
	}

	if variance := avgSq - agg.AvgAmount*agg.AvgAmount; variance > 0 {
		agg.StdAmount = math.Sqrt(variance)
	}
	if lastSeen.Valid {
		agg.LastSeen = lastSeen.Time
	}
	return &agg, nil
}

// CountUserTransactionsSince returns the number of transactions recorded for
// a user at or after the given instant. Backs the velocity fallback path.
func (r *SQLRepository) CountUserTransactionsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE user_id = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MerchantAggregate computes a merchant's baseline including its observed
// fraud rate.
func (r *SQLRepository) MerchantAggregate(ctx context.Context, merchantID string, since time.Time) (*domain.MerchantAggregate, error) {
	query := `
		SELECT COUNT(*),
			   COALESCE(AVG(t.amount), 0),
			   COALESCE(AVG(CAST(d.is_fraud AS REAL)), 0)
		FROM decisions d
		JOIN transactions t ON t.id = d.transaction_id
		WHERE d.merchant_id = ? AND d.scored_at >= ?
	`

	var agg domain.MerchantAggregate
	err := r.db.QueryRowContext(ctx, r.rebind(query), merchantID, since).Scan(
		&agg.Count, &agg.AvgAmount, &agg.FraudRate,
	)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
