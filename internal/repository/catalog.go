package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveModel stores a model record. Name+version pairs are unique; a new
// version supersedes rather than edits.
func (r *SQLRepository) SaveModel(ctx context.Context, record *domain.ModelRecord) error {
	if record.ID == "" || record.Name == "" || record.Version == "" {
		return fmt.Errorf("%w: model id, name and version are required", ErrInvalidInput)
	}

	metrics, _ := json.Marshal(record.Metrics)

	query := `
		INSERT INTO models (
			id, name, version, kind, artifact, schema_version, metrics,
			is_trained, is_active, created_at, activated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		record.ID, record.Name, record.Version, string(record.Kind),
		string(record.Artifact), record.SchemaVersion, string(metrics),
		boolToInt(record.IsTrained), boolToInt(record.IsActive),
		record.CreatedAt, record.ActivatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: model %s version %s", ErrAlreadyExists, record.Name, record.Version)
	}
	return err
}

// GetModel retrieves a model record by id.
func (r *SQLRepository) GetModel(ctx context.Context, modelID string) (*domain.ModelRecord, error) {
	query := `
		SELECT id, name, version, kind, artifact, schema_version, metrics,
			   is_trained, is_active, created_at, activated_at
		FROM models
		WHERE id = ?
	`
	record, err := r.scanModel(r.db.QueryRowContext(ctx, r.rebind(query), modelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return record, err
}

// ListModels retrieves all model records, newest first.
func (r *SQLRepository) ListModels(ctx context.Context) ([]*domain.ModelRecord, error) {
	query := `
		SELECT id, name, version, kind, artifact, schema_version, metrics,
			   is_trained, is_active, created_at, activated_at
		FROM models
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ModelRecord
	for rows.Next() {
		record, err := r.scanModel(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SetModelActive flips a record's active flag.
func (r *SQLRepository) SetModelActive(ctx context.Context, modelID string, active bool) error {
	var query string
	var args []interface{}

	if active {
		query = `UPDATE models SET is_active = 1, activated_at = ? WHERE id = ?`
		args = []interface{}{time.Now().UTC(), modelID}
	} else {
		query = `UPDATE models SET is_active = 0 WHERE id = ?`
		args = []interface{}{modelID}
	}

	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func (r *SQLRepository) scanModel(row scannable) (*domain.ModelRecord, error) {
	var record domain.ModelRecord
	var kind, artifact, metrics string
	var isTrained, isActive int
	var activatedAt sql.NullTime

	err := row.Scan(
		&record.ID, &record.Name, &record.Version, &kind,
		&artifact, &record.SchemaVersion, &metrics,
		&isTrained, &isActive, &record.CreatedAt, &activatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Kind = domain.ModelKind(kind)
	record.Artifact = json.RawMessage(artifact)
	record.IsTrained = isTrained == 1
	record.IsActive = isActive == 1
	if activatedAt.Valid {
		t := activatedAt.Time
		record.ActivatedAt = &t
	}
	json.Unmarshal([]byte(metrics), &record.Metrics)

	return &record, nil
}

// SavePolicy stores an immutable policy version.
func (r *SQLRepository) SavePolicy(ctx context.Context, policy *domain.Policy) error {
	if policy.Version == "" {
		return fmt.Errorf("%w: policy version is required", ErrInvalidInput)
	}

	weights, _ := json.Marshal(policy.Weights)
	escalations, _ := json.Marshal(policy.Escalations)

	query := `
		INSERT INTO policies (
			version, high_threshold, review_threshold, combiner,
			weights, escalations, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.Version, policy.HighThreshold, policy.ReviewThreshold,
		string(policy.Combiner), string(weights), string(escalations),
		policy.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: policy version %s", ErrAlreadyExists, policy.Version)
	}
	return err
}

// GetPolicy retrieves a policy by version. Replays resolve their policy here.
func (r *SQLRepository) GetPolicy(ctx context.Context, version string) (*domain.Policy, error) {
	query := `
		SELECT version, high_threshold, review_threshold, combiner,
			   weights, escalations, created_at
		FROM policies
		WHERE version = ?
	`
	return r.scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), version))
}

// LatestPolicy retrieves the most recently created policy.
func (r *SQLRepository) LatestPolicy(ctx context.Context) (*domain.Policy, error) {
	query := `
		SELECT version, high_threshold, review_threshold, combiner,
			   weights, escalations, created_at
		FROM policies
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query)))
}

func (r *SQLRepository) scanPolicy(row scannable) (*domain.Policy, error) {
	var p domain.Policy
	var combiner, weights, escalations string

	err := row.Scan(
		&p.Version, &p.HighThreshold, &p.ReviewThreshold, &combiner,
		&weights, &escalations, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Combiner = domain.Combiner(combiner)
	json.Unmarshal([]byte(weights), &p.Weights)
	if escalations != "" {
		json.Unmarshal([]byte(escalations), &p.Escalations)
	}
	return &p, nil
}
