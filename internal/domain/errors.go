package domain

import (
	"errors"
	"fmt"
	"time"
)

// Hard failures without per-instance detail.
var (
	// ErrNoModelAvailable means zero models produced a score. Callers must
	// route the transaction to manual review, never auto-approve.
	ErrNoModelAvailable = errors.New("no model available for scoring")

	// ErrModelNotTrained rejects activation of an untrained model record.
	ErrModelNotTrained = errors.New("model is not trained")
)

// ValidationError rejects a malformed or out-of-domain request before any
// model call. No audit record is written for rejected requests.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// SchemaMismatchError signals feature/model schema version skew.
type SchemaMismatchError struct {
	Required string
	Produced string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch: models require %s, assembler produces %s", e.Required, e.Produced)
}

// ModelTimeoutError is a per-model soft failure. The pipeline tolerates it
// as long as at least one model still scores.
type ModelTimeoutError struct {
	Model   string
	Timeout time.Duration
}

func (e *ModelTimeoutError) Error() string {
	return fmt.Sprintf("model %s timed out after %s", e.Model, e.Timeout)
}

// DuplicateTransactionError means the transaction id was already committed.
// Callers treat it as "already processed" and return the stored decision.
type DuplicateTransactionError struct {
	TransactionID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s already has a committed decision", e.TransactionID)
}

// PersistenceError wraps a failed ledger commit. A transaction is not scored
// until persistence succeeded.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsDuplicate reports whether err is a duplicate-transaction rejection.
func IsDuplicate(err error) bool {
	var d *DuplicateTransactionError
	return errors.As(err, &d)
}
