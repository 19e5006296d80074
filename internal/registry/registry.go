// Package registry manages the model catalog and the set of models the
// scoring pipeline runs. Admin operations (import, activate, deactivate) go
// through the repository and the audit ledger; the hot path reads an
// immutable snapshot through an atomic pointer and never takes a lock.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/ledger"
)

// ActiveModel pairs a catalog record with its compiled scorer.
type ActiveModel struct {
	Record *domain.ModelRecord
	Model  inference.Model
}

// Snapshot is an immutable view of the active ensemble. A request captures
// one snapshot at entry and uses it for the whole scoring pass, so a
// concurrent activation never splits a request across two ensembles.
type Snapshot struct {
	Models  []*ActiveModel
	Version string
	BuiltAt time.Time
}

// RequiredSchemas returns the distinct feature schema versions the active
// models expect, sorted.
func (s *Snapshot) RequiredSchemas() []string {
	seen := make(map[string]bool)
	var schemas []string
	for _, m := range s.Models {
		if !seen[m.Record.SchemaVersion] {
			seen[m.Record.SchemaVersion] = true
			schemas = append(schemas, m.Record.SchemaVersion)
		}
	}
	sort.Strings(schemas)
	return schemas
}

// Registry is the model catalog plus the live ensemble snapshot.
type Registry struct {
	repo  domain.Repository
	audit *ledger.Ledger

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

func New(repo domain.Repository, audit *ledger.Ledger) *Registry {
	r := &Registry{repo: repo, audit: audit}
	r.current.Store(&Snapshot{Version: "none", BuiltAt: time.Now().UTC()})
	return r
}

// Load initializes the registry at startup. An empty catalog is seeded with
// the built-in ensemble so a fresh deployment scores out of the box.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.repo.ListModels(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		if err := r.seedDefaults(ctx); err != nil {
			return err
		}
	}

	return r.rebuild(ctx)
}

func (r *Registry) seedDefaults(ctx context.Context) error {
	now := time.Now().UTC()
	defaults := inference.DefaultRecords()
	for _, record := range defaults {
		record.ID = uuid.New().String()
		record.CreatedAt = now
		record.ActivatedAt = &now

		if err := r.repo.SaveModel(ctx, record); err != nil {
			return err
		}
		r.recordAdminEvent(ctx, domain.EventModelImported, "seed", record)
	}
	slog.Info("seeded default model catalog", "models", len(defaults))
	return nil
}

// Snapshot returns the current ensemble view. Never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// List returns all catalog records, newest first.
func (r *Registry) List(ctx context.Context) ([]*domain.ModelRecord, error) {
	return r.repo.ListModels(ctx)
}

// Get returns one catalog record by id.
func (r *Registry) Get(ctx context.Context, modelID string) (*domain.ModelRecord, error) {
	return r.repo.GetModel(ctx, modelID)
}

// Import validates and stores a new model record. The artifact must compile;
// a record that cannot score is rejected at the door rather than at runtime.
// Imported models start inactive and join the ensemble only on Activate.
func (r *Registry) Import(ctx context.Context, record *domain.ModelRecord) (*domain.ModelRecord, error) {
	if record == nil {
		return nil, &domain.ValidationError{Field: "model", Reason: "is required"}
	}
	if strings.TrimSpace(record.Name) == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(record.Version) == "" {
		return nil, &domain.ValidationError{Field: "version", Reason: "is required"}
	}
	if record.SchemaVersion == "" {
		record.SchemaVersion = feature.SchemaV1
	}
	if !feature.Supported(record.SchemaVersion) {
		return nil, &domain.SchemaMismatchError{Required: record.SchemaVersion, Produced: feature.SchemaV1}
	}
	if _, err := inference.Compile(record.Kind, record.Artifact); err != nil {
		return nil, &domain.ValidationError{Field: "artifact", Reason: err.Error()}
	}

	record.ID = uuid.New().String()
	record.CreatedAt = time.Now().UTC()
	record.IsActive = false
	record.ActivatedAt = nil

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.repo.SaveModel(ctx, record); err != nil {
		return nil, err
	}
	r.recordAdminEvent(ctx, domain.EventModelImported, "import", record)

	slog.Info("model imported",
		"model_id", record.ID,
		"name", record.Name,
		"version", record.Version,
		"kind", record.Kind)
	return record, nil
}

// Activate adds a model to the live ensemble. Untrained records are
// rejected; the ensemble only ever runs models with fitted parameters.
func (r *Registry) Activate(ctx context.Context, modelID string) (*domain.ModelRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.repo.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !record.IsTrained {
		return nil, domain.ErrModelNotTrained
	}

	if err := r.repo.SetModelActive(ctx, modelID, true); err != nil {
		return nil, err
	}
	r.recordAdminEvent(ctx, domain.EventModelActivated, "activate", record)

	if err := r.rebuild(ctx); err != nil {
		return nil, err
	}

	slog.Info("model activated",
		"model_id", modelID,
		"name", record.Name,
		"ensemble_version", r.current.Load().Version)
	return r.repo.GetModel(ctx, modelID)
}

// Deactivate removes a model from the live ensemble. Deactivating the last
// model is allowed; the pipeline then fails closed with ErrNoModelAvailable.
func (r *Registry) Deactivate(ctx context.Context, modelID string) (*domain.ModelRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.repo.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if err := r.repo.SetModelActive(ctx, modelID, false); err != nil {
		return nil, err
	}
	r.recordAdminEvent(ctx, domain.EventModelDeactivated, "deactivate", record)

	if err := r.rebuild(ctx); err != nil {
		return nil, err
	}

	slog.Info("model deactivated",
		"model_id", modelID,
		"name", record.Name,
		"ensemble_version", r.current.Load().Version)
	return r.repo.GetModel(ctx, modelID)
}

// rebuild compiles the active catalog rows into a fresh snapshot and swaps
// it in. Records that no longer compile are skipped with a warning rather
// than taking the whole ensemble down. Caller holds r.mu.
func (r *Registry) rebuild(ctx context.Context) error {
	records, err := r.repo.ListModels(ctx)
	if err != nil {
		return err
	}

	var active []*ActiveModel
	for _, record := range records {
		if !record.IsActive {
			continue
		}
		model, err := inference.Compile(record.Kind, record.Artifact)
		if err != nil {
			slog.Warn("active model failed to compile, excluded from ensemble",
				"model_id", record.ID,
				"name", record.Name,
				"version", record.Version,
				"error", err)
			continue
		}
		active = append(active, &ActiveModel{Record: record, Model: model})
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].Record.Key() < active[j].Record.Key()
	})

	keys := make([]string, len(active))
	for i, m := range active {
		keys[i] = m.Record.Key()
	}
	version := strings.Join(keys, "+")
	if version == "" {
		version = "none"
	}

	r.current.Store(&Snapshot{
		Models:  active,
		Version: version,
		BuiltAt: time.Now().UTC(),
	})
	return nil
}

func (r *Registry) recordAdminEvent(ctx context.Context, eventType, action string, record *domain.ModelRecord) {
	payload := map[string]any{
		"model_id": record.ID,
		"name":     record.Name,
		"version":  record.Version,
		"kind":     record.Kind,
	}
	if _, err := r.audit.RecordAdminEvent(ctx, eventType, ledger.SubjectRegistry, "model:"+record.ID, action, payload); err != nil {
		slog.Error("model admin event not recorded",
			"event_type", eventType,
			"model_id", record.ID,
			"error", err)
	}
}
