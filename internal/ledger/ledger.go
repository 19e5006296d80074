// Package ledger is the append-only audit ledger. Every completed scoring
// decision and every administrative mutation lands here before the caller
// sees success.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// Actor recorded on administrative events.
const systemActor = "system"

// Administrative chain subjects.
const (
	SubjectRegistry = "registry"
	SubjectPolicy   = "policy"
)

// Ledger appends hash-chained audit events through the repository. Per-subject
// locks serialize in-process commits so the database-level chain head lock is
// rarely contended.
type Ledger struct {
	repo  domain.Repository
	locks *syncutil.ShardedMutex
}

// New creates a ledger over the given repository.
func New(repo domain.Repository) *Ledger {
	return &Ledger{
		repo:  repo,
		locks: syncutil.NewShardedMutex(64),
	}
}

// CommitDecision durably records a scored transaction: the transaction, its
// decision and the chained decision event commit in one repository
// transaction. Exactly one commit succeeds per transaction id; a duplicate
// fails with *domain.DuplicateTransactionError and the stored decision stands.
func (l *Ledger) CommitDecision(ctx context.Context, txn *domain.Transaction, decision *domain.Decision) (*domain.AuditEvent, error) {
	payload, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("encode decision payload: %w", err)
	}

	subject := decision.UserID
	l.locks.Lock(subject)
	defer l.locks.Unlock(subject)

	start := time.Now()
	build := l.builder(domain.EventDecision, decision.UserID, subject,
		"transaction:"+decision.TransactionID, "score", domain.AuditStatusSuccess, payload)
	event, err := l.repo.CommitDecision(ctx, txn, decision, build)
	if err == nil {
		metrics.LedgerCommitDuration.Observe(time.Since(start).Seconds())
		metrics.AuditEventsTotal.WithLabelValues(domain.EventDecision).Inc()
	}
	return event, err
}

// RecordAdminEvent appends an administrative event (model or policy
// lifecycle, configuration changes) to the given subject chain.
func (l *Ledger) RecordAdminEvent(ctx context.Context, eventType, subject, resource, action string, payload any) (*domain.AuditEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	l.locks.Lock(subject)
	defer l.locks.Unlock(subject)

	build := l.builder(eventType, systemActor, subject, resource, action, domain.AuditStatusSuccess, raw)
	event, err := l.repo.AppendEvent(ctx, subject, build)
	if err == nil {
		metrics.AuditEventsTotal.WithLabelValues(eventType).Inc()
	}
	return event, err
}

// Events runs a filtered compliance query over the ledger.
func (l *Ledger) Events(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error) {
	q.Normalize()
	return l.repo.QueryAuditEvents(ctx, q)
}

// PurgeBefore deletes events older than the cutoff. Retention enforcement
// only; the chain verifier tolerates the truncated prefix.
func (l *Ledger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return l.repo.DeleteEventsBefore(ctx, cutoff)
}

// builder returns a ChainedEventBuilder that stamps identity, chain linkage
// and the content hash once the repository reveals the locked chain head.
func (l *Ledger) builder(eventType, userID, subject, resource, action, status string, payload json.RawMessage) domain.ChainedEventBuilder {
	return func(prevHash string, seq int64) (*domain.AuditEvent, error) {
		e := &domain.AuditEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			UserID:    userID,
			Timestamp: time.Now().UTC().Truncate(time.Microsecond),
			Resource:  resource,
			Action:    action,
			Status:    status,
			Payload:   payload,
			Subject:   subject,
			Sequence:  seq,
			PrevHash:  prevHash,
		}
		e.Hash = EventHash(e)
		return e, nil
	}
}
