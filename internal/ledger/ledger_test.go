package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "ledger-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return New(repo), tmpPath
}

func sampleCommit(userID, txnID string) (*domain.Transaction, *domain.Decision) {
	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:         txnID,
		UserID:     userID,
		MerchantID: "merchant-001",
		Amount:     250,
		Currency:   "USD",
		Type:       domain.TypePurchase,
		Channel:    domain.ChannelOnline,
		Timestamp:  now,
		CreatedAt:  now,
	}
	decision := &domain.Decision{
		ID:            uuid.New().String(),
		TransactionID: txnID,
		UserID:        userID,
		MerchantID:    "merchant-001",
		FraudScore:    0.123,
		RiskLevel:     domain.RiskLow,
		Outcome:       domain.OutcomeApprove,
		PolicyVersion: "policy-v1",
		ModelVersion:  "ensemble-test",
		ScoredAt:      now,
	}
	return txn, decision
}

func TestCommitDecisionChain(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	var hashes []string
	for _, txnID := range []string{"txn-1", "txn-2", "txn-3"} {
		txn, decision := sampleCommit("user-001", txnID)
		event, err := ledger.CommitDecision(ctx, txn, decision)
		require.NoError(t, err)

		assert.Equal(t, domain.EventDecision, event.EventType)
		assert.Equal(t, "user-001", event.Subject)
		assert.Equal(t, EventHash(event), event.Hash)
		hashes = append(hashes, event.Hash)
	}

	events, err := ledger.repo.EventsBySubject(ctx, "user-001")
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Sequence and linkage
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "", events[0].PrevHash)
	assert.Equal(t, hashes[0], events[1].PrevHash)
	assert.Equal(t, hashes[1], events[2].PrevHash)

	report, err := ledger.VerifyChain(ctx, "user-001")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)
}

func TestCommitDecisionDuplicate(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	txn, decision := sampleCommit("user-002", "txn-dup")
	_, err := ledger.CommitDecision(ctx, txn, decision)
	require.NoError(t, err)

	// Second commit with the same transaction id must be rejected without
	// appending anything.
	txn2, decision2 := sampleCommit("user-002", "txn-dup")
	decision2.FraudScore = 0.99
	_, err = ledger.CommitDecision(ctx, txn2, decision2)
	require.Error(t, err)
	assert.True(t, domain.IsDuplicate(err))

	stored, err := ledger.repo.GetDecision(ctx, "txn-dup")
	require.NoError(t, err)
	assert.InDelta(t, 0.123, stored.FraudScore, 1e-9)

	events, err := ledger.repo.EventsBySubject(ctx, "user-002")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordAdminEvent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	payload := map[string]string{"model_id": "mdl-1", "name": "logistic"}

	event, err := ledger.RecordAdminEvent(ctx, domain.EventModelActivated, SubjectRegistry, "model:mdl-1", "activate", payload)
	require.NoError(t, err)
	assert.Equal(t, systemActor, event.UserID)
	assert.Equal(t, int64(1), event.Sequence)

	_, err = ledger.RecordAdminEvent(ctx, domain.EventModelDeactivated, SubjectRegistry, "model:mdl-1", "deactivate", payload)
	require.NoError(t, err)

	report, err := ledger.VerifyChain(ctx, SubjectRegistry)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Events)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ledger, dbPath := newTestLedger(t)
	ctx := context.Background()

	for _, txnID := range []string{"txn-a", "txn-b", "txn-c"} {
		txn, decision := sampleCommit("user-003", txnID)
		_, err := ledger.CommitDecision(ctx, txn, decision)
		require.NoError(t, err)
	}

	// Rewrite a committed payload behind the ledger's back
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`UPDATE audit_events SET payload = '{"tampered":true}' WHERE subject = ? AND seq = 2`, "user-003")
	require.NoError(t, err)

	report, err := ledger.VerifyChain(ctx, "user-003")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenSequence)
	assert.Equal(t, "content hash mismatch", report.Reason)
}

func TestVerifyChainToleratesPurgedPrefix(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	txn, decision := sampleCommit("user-004", "txn-old-1")
	_, err := ledger.CommitDecision(ctx, txn, decision)
	require.NoError(t, err)
	txn, decision = sampleCommit("user-004", "txn-old-2")
	_, err = ledger.CommitDecision(ctx, txn, decision)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	txn, decision = sampleCommit("user-004", "txn-new")
	_, err = ledger.CommitDecision(ctx, txn, decision)
	require.NoError(t, err)

	purged, err := ledger.PurgeBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	report, err := ledger.VerifyChain(ctx, "user-004")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Events)
}

func TestEventsQuery(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	txn, decision := sampleCommit("user-005", "txn-q1")
	_, err := ledger.CommitDecision(ctx, txn, decision)
	require.NoError(t, err)

	_, err = ledger.RecordAdminEvent(ctx, domain.EventConfigChange, SubjectPolicy, "policy:v2", "update", nil)
	require.NoError(t, err)

	t.Run("ByUser", func(t *testing.T) {
		events, err := ledger.Events(ctx, domain.AuditQuery{UserID: "user-005"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventDecision, events[0].EventType)
	})

	t.Run("ByType", func(t *testing.T) {
		events, err := ledger.Events(ctx, domain.AuditQuery{EventType: domain.EventConfigChange})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, SubjectPolicy, events[0].Subject)
	})

	t.Run("TimeWindowExcludes", func(t *testing.T) {
		events, err := ledger.Events(ctx, domain.AuditQuery{
			From: time.Now().UTC().Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
