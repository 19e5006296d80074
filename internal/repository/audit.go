package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// QueryAuditEvents serves compliance reads: filter by user, event type and
// time range, newest first, bounded by the query limit.
func (r *SQLRepository) QueryAuditEvents(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error) {
	q.Normalize()

	query := `
		SELECT event_id, event_type, user_id, subject, seq, prev_hash, hash,
			   resource, action, status, payload, timestamp
		FROM audit_events
		WHERE 1=1
	`
	var args []interface{}

	if q.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, q.EventType)
	}
	if !q.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, q.To)
	}

	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsBySubject returns a subject's full retained chain in sequence order.
// Chain verification walks this.
func (r *SQLRepository) EventsBySubject(ctx context.Context, subject string) ([]*domain.AuditEvent, error) {
	query := `
		SELECT event_id, event_type, user_id, subject, seq, prev_hash, hash,
			   resource, action, status, payload, timestamp
		FROM audit_events
		WHERE subject = ?
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeleteEventsBefore removes events older than the compliance window.
func (r *SQLRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM audit_events WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows rowScanner) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var payload string

		if err := rows.Scan(
			&e.EventID, &e.EventType, &e.UserID,
			&e.Subject, &e.Sequence, &e.PrevHash, &e.Hash,
			&e.Resource, &e.Action, &e.Status,
			&payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}

		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
