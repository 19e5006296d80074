// Package history supplies the historical context snapshot consumed by
// feature assembly.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Provider builds read-only historical context for a transaction. Aggregates
// are served from cache with a short TTL; a miss recomputes from the
// repository. Aggregate reads are best effort: an unavailable baseline
// degrades to zeros so scoring proceeds on request-only features, while the
// ledger commit still enforces durability later in the pipeline.
type Provider struct {
	repo     domain.Repository
	cache    domain.Cache
	tracker  *velocity.Tracker
	lookback time.Duration
	ttl      time.Duration
}

// NewProvider creates a history provider.
func NewProvider(repo domain.Repository, cache domain.Cache, tracker *velocity.Tracker, lookback, ttl time.Duration) *Provider {
	if lookback <= 0 {
		lookback = 90 * 24 * time.Hour
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Provider{
		repo:     repo,
		cache:    cache,
		tracker:  tracker,
		lookback: lookback,
		ttl:      ttl,
	}
}

// Context assembles the historical snapshot for a transaction occurring at
// the given instant. The snapshot never includes the transaction being
// scored; velocity observation happens after commit.
func (p *Provider) Context(ctx context.Context, userID, merchantID string, at time.Time) *domain.HistoricalContext {
	hc := &domain.HistoricalContext{SecondsSinceLast: -1}

	user := p.userBaseline(ctx, userID, at)
	hc.UserTxnCount = user.Count
	hc.UserAvgAmount = user.AvgAmount
	hc.UserStdAmount = user.StdAmount
	hc.UserMaxAmount = user.MaxAmount

	merchant := p.merchantBaseline(ctx, merchantID, at)
	hc.MerchantTxnCount = merchant.Count
	hc.MerchantAvgAmount = merchant.AvgAmount
	hc.MerchantFraudRate = merchant.FraudRate

	lastSeen := user.LastSeen
	if snap, err := p.tracker.Snapshot(ctx, userID); err != nil {
		slog.Warn("velocity snapshot unavailable",
			"user_id", userID,
			"error", err,
		)
	} else {
		hc.TxnsLastHour = snap.LastHour
		hc.TxnsLastDay = snap.LastDay
		if !snap.LastSeen.IsZero() {
			lastSeen = snap.LastSeen
		}
	}

	if !lastSeen.IsZero() && at.After(lastSeen) {
		hc.SecondsSinceLast = int64(at.Sub(lastSeen).Seconds())
	}

	return hc
}

// Refresh recomputes and re-caches the user and merchant baselines. Called
// by the worker when a decision event lands so subsequent requests see the
// committed transaction without waiting for TTL expiry.
func (p *Provider) Refresh(ctx context.Context, userID, merchantID string) {
	now := time.Now().UTC()

	if userID != "" {
		agg, err := p.repo.UserAggregate(ctx, userID, now.Add(-p.lookback))
		if err != nil {
			slog.Warn("user baseline refresh failed",
				"user_id", userID,
				"error", err,
			)
		} else {
			p.store(ctx, userKey(userID), agg)
		}
	}

	if merchantID != "" {
		agg, err := p.repo.MerchantAggregate(ctx, merchantID, now.Add(-p.lookback))
		if err != nil {
			slog.Warn("merchant baseline refresh failed",
				"merchant_id", merchantID,
				"error", err,
			)
		} else {
			p.store(ctx, merchantKey(merchantID), agg)
		}
	}
}

func (p *Provider) userBaseline(ctx context.Context, userID string, at time.Time) *domain.UserAggregate {
	var agg domain.UserAggregate
	if p.load(ctx, userKey(userID), &agg) {
		return &agg
	}

	fresh, err := p.repo.UserAggregate(ctx, userID, at.Add(-p.lookback))
	if err != nil {
		slog.Warn("user baseline unavailable",
			"user_id", userID,
			"error", err,
		)
		return &domain.UserAggregate{}
	}

	p.store(ctx, userKey(userID), fresh)
	return fresh
}

func (p *Provider) merchantBaseline(ctx context.Context, merchantID string, at time.Time) *domain.MerchantAggregate {
	var agg domain.MerchantAggregate
	if p.load(ctx, merchantKey(merchantID), &agg) {
		return &agg
	}

	fresh, err := p.repo.MerchantAggregate(ctx, merchantID, at.Add(-p.lookback))
	if err != nil {
		slog.Warn("merchant baseline unavailable",
			"merchant_id", merchantID,
			"error", err,
		)
		return &domain.MerchantAggregate{}
	}

	p.store(ctx, merchantKey(merchantID), fresh)
	return fresh
}

func (p *Provider) load(ctx context.Context, key string, dest any) bool {
	raw, err := p.cache.Get(ctx, key)
	if err != nil || raw == nil {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

func (p *Provider) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, raw, p.ttl); err != nil {
		slog.Warn("baseline cache write failed",
			"key", key,
			"error", err,
		)
	}
}

func userKey(userID string) string {
	return "history:user:" + userID
}

func merchantKey(merchantID string) string {
	return "history:merchant:" + merchantID
}
