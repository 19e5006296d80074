// Package velocity tracks per-user transaction frequency windows.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Windows tracked for every user.
const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour

	lastSeenTTL = 48 * time.Hour
)

// Snapshot holds a user's velocity counters at read time. The counters never
// include the transaction currently being scored; Observe runs after commit.
type Snapshot struct {
	LastHour int64
	LastDay  int64

	// LastSeen is zero when the user has no recorded transactions.
	LastSeen time.Time
}

// Tracker maintains windowed transaction counters per user. Counter reads
// prefer the cache; a cold cache falls back to exact repository counts.
type Tracker struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewTracker creates a velocity tracker backed by the given repository and
// cache.
func NewTracker(repo domain.Repository, cache domain.Cache) *Tracker {
	return &Tracker{
		repo:  repo,
		cache: cache,
	}
}

// Observe records a committed transaction in the velocity windows. Counter
// writes are best effort: a cache failure is logged and dropped because the
// repository fallback stays exact.
func (t *Tracker) Observe(ctx context.Context, userID string, ts time.Time) {
	if userID == "" {
		return
	}

	if _, err := t.cache.IncrementCounter(ctx, hourKey(userID), HourWindow); err != nil {
		slog.Warn("velocity counter increment failed",
			"window", "1h",
			"user_id", userID,
			"error", err,
		)
	}
	if _, err := t.cache.IncrementCounter(ctx, dayKey(userID), DayWindow); err != nil {
		slog.Warn("velocity counter increment failed",
			"window", "24h",
			"user_id", userID,
			"error", err,
		)
	}

	if err := t.cache.Set(ctx, lastSeenKey(userID), []byte(strconv.FormatInt(ts.UnixMilli(), 10)), lastSeenTTL); err != nil {
		slog.Warn("velocity last-seen update failed",
			"user_id", userID,
			"error", err,
		)
	}
}

// Snapshot returns the user's velocity counters and last-seen time.
func (t *Tracker) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	snap := &Snapshot{}

	var err error
	snap.LastHour, err = t.count(ctx, hourKey(userID), userID, HourWindow)
	if err != nil {
		return nil, err
	}
	snap.LastDay, err = t.count(ctx, dayKey(userID), userID, DayWindow)
	if err != nil {
		return nil, err
	}

	snap.LastSeen, err = t.lastSeen(ctx, userID)
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// count reads a cached window counter, falling back to an exact repository
// count when the counter is cold.
func (t *Tracker) count(ctx context.Context, key, userID string, window time.Duration) (int64, error) {
	cached, err := t.cache.GetCounter(ctx, key)
	if err != nil {
		slog.Warn("velocity counter read failed",
			"user_id", userID,
			"error", err,
		)
	} else if cached > 0 {
		return cached, nil
	}

	count, err := t.repo.CountUserTransactionsSince(ctx, userID, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// lastSeen reads the cached last transaction time, falling back to the
// repository baseline.
func (t *Tracker) lastSeen(ctx context.Context, userID string) (time.Time, error) {
	raw, err := t.cache.Get(ctx, lastSeenKey(userID))
	if err == nil && raw != nil {
		if ms, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}

	agg, err := t.repo.UserAggregate(ctx, userID, time.Time{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load user baseline: %w", err)
	}
	return agg.LastSeen, nil
}

func hourKey(userID string) string {
	return "velocity:1h:" + userID
}

func dayKey(userID string) string {
	return "velocity:24h:" + userID
}

func lastSeenKey(userID string) string {
	return "velocity:last:" + userID
}
