package history

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "history-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func commitScored(t *testing.T, repo domain.Repository, userID, merchantID string, amount float64, isFraud bool, ts time.Time) {
	t.Helper()

	txnID := uuid.New().String()
	txn := &domain.Transaction{
		ID:         txnID,
		UserID:     userID,
		MerchantID: merchantID,
		Amount:     amount,
		Currency:   "USD",
		Type:       domain.TypePurchase,
		Channel:    domain.ChannelOnline,
		Timestamp:  ts,
		CreatedAt:  ts,
	}
	decision := &domain.Decision{
		ID:            uuid.New().String(),
		TransactionID: txnID,
		UserID:        userID,
		MerchantID:    merchantID,
		FraudScore:    0.1,
		IsFraud:       isFraud,
		RiskLevel:     domain.RiskLow,
		Outcome:       domain.OutcomeApprove,
		ScoredAt:      ts,
	}

	_, err := repo.CommitDecision(context.Background(), txn, decision, func(prevHash string, seq int64) (*domain.AuditEvent, error) {
		return &domain.AuditEvent{
			EventID:   uuid.New().String(),
			EventType: domain.EventDecision,
			UserID:    userID,
			Timestamp: ts,
			Resource:  "decision",
			Action:    "score",
			Status:    domain.AuditStatusSuccess,
			Subject:   userID,
			Sequence:  seq,
			PrevHash:  prevHash,
			Hash:      fmt.Sprintf("hash-%s-%d", userID, seq),
		}, nil
	})
	if err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}
}

func TestProviderContext(t *testing.T) {
	repo := newTestRepo(t)
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	tracker := velocity.NewTracker(repo, lruCache)
	provider := NewProvider(repo, lruCache, tracker, 90*24*time.Hour, time.Minute)

	ctx := context.Background()

	t.Run("EmptyHistory", func(t *testing.T) {
		hc := provider.Context(ctx, "user-new", "merchant-new", time.Now().UTC())

		if hc.UserTxnCount != 0 {
			t.Errorf("expected zero user count, got %d", hc.UserTxnCount)
		}
		if hc.MerchantTxnCount != 0 {
			t.Errorf("expected zero merchant count, got %d", hc.MerchantTxnCount)
		}
		if hc.SecondsSinceLast != -1 {
			t.Errorf("expected -1 seconds since last, got %d", hc.SecondsSinceLast)
		}
	})

	t.Run("UserBaseline", func(t *testing.T) {
		now := time.Now().UTC()

		commitScored(t, repo, "user-001", "merchant-001", 100, false, now.Add(-30*time.Minute))
		commitScored(t, repo, "user-001", "merchant-001", 200, false, now.Add(-20*time.Minute))
		commitScored(t, repo, "user-001", "merchant-001", 300, false, now.Add(-10*time.Minute))

		hc := provider.Context(ctx, "user-001", "merchant-001", now)

		if hc.UserTxnCount != 3 {
			t.Errorf("expected 3 user transactions, got %d", hc.UserTxnCount)
		}
		if math.Abs(hc.UserAvgAmount-200) > 0.001 {
			t.Errorf("expected avg 200, got %f", hc.UserAvgAmount)
		}
		if hc.UserMaxAmount != 300 {
			t.Errorf("expected max 300, got %f", hc.UserMaxAmount)
		}

		// Population std of {100, 200, 300}
		wantStd := math.Sqrt(20000.0 / 3.0)
		if math.Abs(hc.UserStdAmount-wantStd) > 0.01 {
			t.Errorf("expected std %f, got %f", wantStd, hc.UserStdAmount)
		}

		if hc.TxnsLastHour != 3 {
			t.Errorf("expected 3 in hour window, got %d", hc.TxnsLastHour)
		}
		if hc.SecondsSinceLast != 600 {
			t.Errorf("expected 600 seconds since last, got %d", hc.SecondsSinceLast)
		}

		if hc.MerchantTxnCount != 3 {
			t.Errorf("expected 3 merchant transactions, got %d", hc.MerchantTxnCount)
		}
		if hc.MerchantFraudRate != 0 {
			t.Errorf("expected zero fraud rate, got %f", hc.MerchantFraudRate)
		}
	})

	t.Run("MerchantFraudRate", func(t *testing.T) {
		now := time.Now().UTC()

		commitScored(t, repo, "user-a", "merchant-risky", 50, true, now.Add(-40*time.Minute))
		commitScored(t, repo, "user-b", "merchant-risky", 50, false, now.Add(-30*time.Minute))
		commitScored(t, repo, "user-c", "merchant-risky", 50, true, now.Add(-20*time.Minute))
		commitScored(t, repo, "user-d", "merchant-risky", 50, false, now.Add(-10*time.Minute))

		hc := provider.Context(ctx, "user-e", "merchant-risky", now)

		if hc.MerchantTxnCount != 4 {
			t.Errorf("expected 4 merchant transactions, got %d", hc.MerchantTxnCount)
		}
		if math.Abs(hc.MerchantFraudRate-0.5) > 0.001 {
			t.Errorf("expected fraud rate 0.5, got %f", hc.MerchantFraudRate)
		}
	})
}

func TestProviderCaching(t *testing.T) {
	repo := newTestRepo(t)
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	tracker := velocity.NewTracker(repo, lruCache)
	provider := NewProvider(repo, lruCache, tracker, 90*24*time.Hour, time.Minute)

	ctx := context.Background()
	now := time.Now().UTC()

	commitScored(t, repo, "user-010", "merchant-010", 100, false, now.Add(-5*time.Minute))

	// First read populates the cache
	hc := provider.Context(ctx, "user-010", "merchant-010", now)
	if hc.UserTxnCount != 1 {
		t.Fatalf("expected 1 transaction, got %d", hc.UserTxnCount)
	}

	// A new commit is invisible until refresh while the baseline is cached
	commitScored(t, repo, "user-010", "merchant-010", 100, false, now.Add(-1*time.Minute))

	hc = provider.Context(ctx, "user-010", "merchant-010", now)
	if hc.UserTxnCount != 1 {
		t.Errorf("expected cached count 1, got %d", hc.UserTxnCount)
	}

	provider.Refresh(ctx, "user-010", "merchant-010")

	hc = provider.Context(ctx, "user-010", "merchant-010", now)
	if hc.UserTxnCount != 2 {
		t.Errorf("expected refreshed count 2, got %d", hc.UserTxnCount)
	}
}
