// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ChainedEventBuilder constructs a hash-chained audit event once the
// subject's chain head is known. It runs inside the commit transaction with
// the head locked, so the prev hash it sees cannot change underneath it.
type ChainedEventBuilder func(prevHash string, seq int64) (*AuditEvent, error)

// DecisionCounts are ledger-wide aggregates for the stats surface.
type DecisionCounts struct {
	Total    int64 `json:"total"`
	Flagged  int64 `json:"flagged"`
	Approved int64 `json:"approved"`
	Reviewed int64 `json:"reviewed"`
	Declined int64 `json:"declined"`
}

// UserAggregate is a user's transaction baseline over a lookback window.
type UserAggregate struct {
	Count     int64     `json:"count"`
	AvgAmount float64   `json:"avg_amount"`
	StdAmount float64   `json:"std_amount"`
	MaxAmount float64   `json:"max_amount"`
	LastSeen  time.Time `json:"last_seen"`
}

// MerchantAggregate is a merchant's transaction baseline.
type MerchantAggregate struct {
	Count     int64   `json:"count"`
	AvgAmount float64 `json:"avg_amount"`
	FraudRate float64 `json:"fraud_rate"`
}

// Repository defines the interface for durable persistence.
type Repository interface {
	// CommitDecision atomically persists the transaction, its decision and
	// the chained decision audit event. Exactly one commit may succeed per
	// transaction id; later attempts fail with *DuplicateTransactionError.
	CommitDecision(ctx context.Context, txn *Transaction, decision *Decision, build ChainedEventBuilder) (*AuditEvent, error)

	// AppendEvent atomically appends an administrative event to a subject's
	// chain.
	AppendEvent(ctx context.Context, subject string, build ChainedEventBuilder) (*AuditEvent, error)

	// Reads
	GetTransaction(ctx context.Context, txnID string) (*Transaction, error)
	GetDecision(ctx context.Context, txnID string) (*Decision, error)
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditEvent, error)
	EventsBySubject(ctx context.Context, subject string) ([]*AuditEvent, error)

	// Model registry persistence
	SaveModel(ctx context.Context, record *ModelRecord) error
	GetModel(ctx context.Context, modelID string) (*ModelRecord, error)
	ListModels(ctx context.Context) ([]*ModelRecord, error)
	SetModelActive(ctx context.Context, modelID string, active bool) error

	// Policy versions
	SavePolicy(ctx context.Context, policy *Policy) error
	GetPolicy(ctx context.Context, version string) (*Policy, error)
	LatestPolicy(ctx context.Context) (*Policy, error)

	// Aggregates
	DecisionCounts(ctx context.Context) (*DecisionCounts, error)
	UserAggregate(ctx context.Context, userID string, since time.Time) (*UserAggregate, error)
	MerchantAggregate(ctx context.Context, merchantID string, since time.Time) (*MerchantAggregate, error)
	CountUserTransactionsSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// Retention
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
