// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAlreadyExists = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CommitDecision persists the transaction, its decision and the chained
// decision audit event in one database transaction. The subject's chain head
// row is locked for the duration, so concurrent commits for the same subject
// serialize and the hash chain never forks. Exactly one commit succeeds per
// transaction id; the rest fail with *domain.DuplicateTransactionError.
func (r *SQLRepository) CommitDecision(ctx context.Context, txn *domain.Transaction, decision *domain.Decision, build domain.ChainedEventBuilder) (*domain.AuditEvent, error) {
	if txn == nil || decision == nil {
		return nil, fmt.Errorf("%w: transaction and decision are required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer dbTx.Rollback()

	// Uniqueness guard first: one decision per transaction id.
	if err := r.insertDecision(ctx, dbTx, decision); err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.DuplicateTransactionError{TransactionID: decision.TransactionID}
		}
		return nil, &domain.PersistenceError{Op: "insert decision", Err: err}
	}

	if err := r.insertTransaction(ctx, dbTx, txn); err != nil {
		return nil, &domain.PersistenceError{Op: "insert transaction", Err: err}
	}

	event, err := r.appendChained(ctx, dbTx, decision.UserID, build)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, &domain.PersistenceError{Op: "commit", Err: err}
	}
	return event, nil
}

// AppendEvent appends an administrative event to a subject's chain in its
// own transaction.
func (r *SQLRepository) AppendEvent(ctx context.Context, subject string, build domain.ChainedEventBuilder) (*domain.AuditEvent, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer dbTx.Rollback()

	event, err := r.appendChained(ctx, dbTx, subject, build)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, &domain.PersistenceError{Op: "commit", Err: err}
	}
	return event, nil
}

// appendChained locks the subject's chain head, builds the next event on top
// of it and advances the head. Runs inside the caller's transaction.
func (r *SQLRepository) appendChained(ctx context.Context, dbTx *sql.Tx, subject string, build domain.ChainedEventBuilder) (*domain.AuditEvent, error) {
	// Upsert-returning takes the row lock on PostgreSQL; SQLite serializes
	// writers anyway.
	headQuery := `
		INSERT INTO chain_heads (subject, last_hash, seq, updated_at)
		VALUES (?, '', 0, ?)
		ON CONFLICT(subject) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING last_hash, seq
	`

	var prevHash string
	var seq int64
	now := time.Now().UTC()
	if err := dbTx.QueryRowContext(ctx, r.rebind(headQuery), subject, now).Scan(&prevHash, &seq); err != nil {
		return nil, &domain.PersistenceError{Op: "lock chain head", Err: err}
	}

	event, err := build(prevHash, seq+1)
	if err != nil {
		return nil, err
	}

	insertQuery := `
		INSERT INTO audit_events (
			event_id, event_type, user_id, subject, seq, prev_hash, hash,
			resource, action, status, payload, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = dbTx.ExecContext(ctx, r.rebind(insertQuery),
		event.EventID, event.EventType, event.UserID,
		event.Subject, event.Sequence, event.PrevHash, event.Hash,
		event.Resource, event.Action, event.Status,
		string(event.Payload), event.Timestamp,
	)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "insert audit event", Err: err}
	}

	updateQuery := `UPDATE chain_heads SET last_hash = ?, seq = ?, updated_at = ? WHERE subject = ?`
	if _, err := dbTx.ExecContext(ctx, r.rebind(updateQuery), event.Hash, event.Sequence, now, subject); err != nil {
		return nil, &domain.PersistenceError{Op: "advance chain head", Err: err}
	}

	return event, nil
}

func (r *SQLRepository) insertTransaction(ctx context.Context, dbTx *sql.Tx, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, user_id, merchant_id, amount, currency, type, channel,
			ip_address, country, device_id, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := dbTx.ExecContext(ctx, r.rebind(query),
		txn.ID, txn.UserID, txn.MerchantID,
		txn.Amount, txn.Currency, string(txn.Type), string(txn.Channel),
		txn.IPAddress, txn.Country, txn.DeviceID,
		txn.Timestamp, txn.CreatedAt,
	)
	return err
}

func (r *SQLRepository) insertDecision(ctx context.Context, dbTx *sql.Tx, d *domain.Decision) error {
	factors, _ := json.Marshal(d.TopRiskFactors)
	escalations, _ := json.Marshal(d.Escalations)
	scores, _ := json.Marshal(d.ModelScores)

	query := `
		INSERT INTO decisions (
			transaction_id, decision_id, user_id, merchant_id,
			fraud_score, is_fraud, risk_level, outcome,
			factors, approximate, escalations, policy_version, model_version,
			model_scores, schema_version, processing_ms, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := dbTx.ExecContext(ctx, r.rebind(query),
		d.TransactionID, d.ID, d.UserID, d.MerchantID,
		d.FraudScore, boolToInt(d.IsFraud), string(d.RiskLevel), string(d.Outcome),
		string(factors), boolToInt(d.Approximate), string(escalations), d.PolicyVersion, d.ModelVersion,
		string(scores), d.SchemaVersion, d.ProcessingMs, d.ScoredAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txnID string) (*domain.Transaction, error) {
	query := `
		SELECT id, user_id, merchant_id, amount, currency, type, channel,
			   ip_address, country, device_id, timestamp, created_at
		FROM transactions
		WHERE id = ?
	`

	var txn domain.Transaction
	var typ, channel string

	err := r.db.QueryRowContext(ctx, r.rebind(query), txnID).Scan(
		&txn.ID, &txn.UserID, &txn.MerchantID,
		&txn.Amount, &txn.Currency, &typ, &channel,
		&txn.IPAddress, &txn.Country, &txn.DeviceID,
		&txn.Timestamp, &txn.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	txn.Type = domain.TransactionType(typ)
	txn.Channel = domain.Channel(channel)
	return &txn, nil
}

// GetDecision retrieves the committed decision for a transaction id. The
// duplicate-submission path serves the caller from here.
func (r *SQLRepository) GetDecision(ctx context.Context, txnID string) (*domain.Decision, error) {
	query := `
		SELECT transaction_id, decision_id, user_id, merchant_id,
			   fraud_score, is_fraud, risk_level, outcome,
			   factors, approximate, escalations, policy_version, model_version,
			   model_scores, schema_version, processing_ms, scored_at
		FROM decisions
		WHERE transaction_id = ?
	`

	var d domain.Decision
	var isFraud, approximate int
	var riskLevel, outcome, factors, scores string
	var escalations sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txnID).Scan(
		&d.TransactionID, &d.ID, &d.UserID, &d.MerchantID,
		&d.FraudScore, &isFraud, &riskLevel, &outcome,
		&factors, &approximate, &escalations, &d.PolicyVersion, &d.ModelVersion,
		&scores, &d.SchemaVersion, &d.ProcessingMs, &d.ScoredAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.IsFraud = isFraud == 1
	d.Approximate = approximate == 1
	d.RiskLevel = domain.RiskLevel(riskLevel)
	d.Outcome = domain.Outcome(outcome)
	json.Unmarshal([]byte(factors), &d.TopRiskFactors)
	json.Unmarshal([]byte(scores), &d.ModelScores)
	if escalations.Valid {
		json.Unmarshal([]byte(escalations.String), &d.Escalations)
	}

	return &d, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Stats exposes connection pool statistics for runtime metrics.
func (r *SQLRepository) Stats() sql.DBStats {
	return r.db.Stats()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// isUniqueViolation matches both SQLite and PostgreSQL constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
