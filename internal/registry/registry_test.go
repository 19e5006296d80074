package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "registry-test-*.db")
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

	return New(repo, ledger.New(repo))
}

func testArtifact() json.RawMessage {
	return json.RawMessage(`{
		"features": ["amount"],
		"means": {"amount": 100},
		"stds": {"amount": 50},
		"weights": {"amount": 1.0},
		"bias": 0.0
	}`)
}

func testRecord(name, version string) *domain.ModelRecord {
	return &domain.ModelRecord{
		Name:      name,
		Version:   version,
		Kind:      domain.KindLogistic,
		Artifact:  testArtifact(),
		IsTrained: true,
	}
}

func TestLoadSeedsDefaults(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Load(ctx))

	records, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, record := range records {
		assert.True(t, record.IsTrained, "seeded model %s must be trained", record.Name)
		assert.True(t, record.IsActive, "seeded model %s must be active", record.Name)
		assert.NotEmpty(t, record.ID)
	}

	snap := reg.Snapshot()
	assert.Len(t, snap.Models, 3)
	assert.Contains(t, snap.Version, "gradient_boost")
	assert.Contains(t, snap.Version, "logistic")
	assert.Contains(t, snap.Version, "random_forest")
	assert.Equal(t, []string{"v1"}, snap.RequiredSchemas())

	// Seeding is itself audited
	report, err := reg.audit.VerifyChain(ctx, ledger.SubjectRegistry)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)
}

func TestLoadIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Load(ctx))
	require.NoError(t, reg.Load(ctx))

	records, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestImport(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	t.Run("Valid", func(t *testing.T) {
		record, err := reg.Import(ctx, testRecord("neural_net", "2.0.0"))
		require.NoError(t, err)
		assert.NotEmpty(t, record.ID)
		assert.False(t, record.CreatedAt.IsZero())
		assert.False(t, record.IsActive, "imported models start inactive")
		assert.Equal(t, "v1", record.SchemaVersion)

		stored, err := reg.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "neural_net", stored.Name)
	})

	t.Run("DuplicateNameVersion", func(t *testing.T) {
		_, err := reg.Import(ctx, testRecord("neural_net", "2.0.0"))
		require.Error(t, err)
		assert.ErrorIs(t, err, repository.ErrAlreadyExists)
	})

	t.Run("MissingName", func(t *testing.T) {
		record := testRecord("", "1.0.0")
		_, err := reg.Import(ctx, record)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "name", verr.Field)
	})

	t.Run("MalformedArtifact", func(t *testing.T) {
		record := testRecord("broken", "1.0.0")
		record.Artifact = json.RawMessage(`{"features": []}`)
		_, err := reg.Import(ctx, record)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "artifact", verr.Field)
	})

	t.Run("UnsupportedSchema", func(t *testing.T) {
		record := testRecord("future", "1.0.0")
		record.SchemaVersion = "v9"
		_, err := reg.Import(ctx, record)
		var serr *domain.SchemaMismatchError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "v9", serr.Required)
	})
}

func TestActivateDeactivate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	record, err := reg.Import(ctx, testRecord("challenger", "1.0.0"))
	require.NoError(t, err)
	assert.Empty(t, reg.Snapshot().Models)

	activated, err := reg.Activate(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
	require.NotNil(t, activated.ActivatedAt)

	snap := reg.Snapshot()
	require.Len(t, snap.Models, 1)
	assert.Equal(t, "challenger_1.0.0", snap.Version)

	deactivated, err := reg.Deactivate(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.Empty(t, reg.Snapshot().Models)
	assert.Equal(t, "none", reg.Snapshot().Version)

	// Both transitions are on the registry chain: import, activate, deactivate
	events, err := reg.audit.Events(ctx, domain.AuditQuery{EventType: domain.EventModelActivated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "model:"+record.ID, events[0].Resource)

	report, err := reg.audit.VerifyChain(ctx, ledger.SubjectRegistry)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)
}

func TestActivateUntrained(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	record := testRecord("draft", "0.1.0")
	record.IsTrained = false
	imported, err := reg.Import(ctx, record)
	require.NoError(t, err)

	_, err = reg.Activate(ctx, imported.ID)
	assert.ErrorIs(t, err, domain.ErrModelNotTrained)
	assert.Empty(t, reg.Snapshot().Models)
}

func TestActivateNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Activate(context.Background(), "no-such-model")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestSnapshotIsImmutable(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Load(ctx))
	before := reg.Snapshot()

	record, err := reg.Import(ctx, testRecord("challenger", "1.0.0"))
	require.NoError(t, err)
	_, err = reg.Activate(ctx, record.ID)
	require.NoError(t, err)

	after := reg.Snapshot()
	assert.Len(t, before.Models, 3, "captured snapshot must not change under a swap")
	assert.Len(t, after.Models, 4)
	assert.NotEqual(t, before.Version, after.Version)
}
