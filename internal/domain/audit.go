package domain

import (
	"encoding/json"
	"time"
)

// Audit event types. Decision events are the one-per-transaction records the
// ledger uniqueness invariant applies to; the rest are administrative.
const (
	EventDecision         = "decision"
	EventModelImported    = "model_import"
	EventModelActivated   = "model_activation"
	EventModelDeactivated = "model_deactivation"
	EventConfigChange     = "config_change"
	EventSystemError      = "system_error"
)

// Audit event statuses.
const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
)

// AuditEvent is one append-only ledger record. Events for the same subject
// are hash-chained in commit order: Hash covers the event content plus the
// previous event's hash, so any rewrite breaks every later link.
type AuditEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`

	Resource string `json:"resource"`
	Action   string `json:"action"`
	Status   string `json:"status"`

	Payload json.RawMessage `json:"metadata,omitempty"`

	// Chain linkage, per subject
	Subject  string `json:"subject"`
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// AuditQuery filters compliance reads over the ledger.
type AuditQuery struct {
	UserID    string
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
}

// Query limit bounds.
const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// Normalize clamps the limit into its allowed range.
func (q *AuditQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultAuditLimit
	}
	if q.Limit > MaxAuditLimit {
		q.Limit = MaxAuditLimit
	}
}
