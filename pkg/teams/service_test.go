package teams

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&registry.RegisteredPlugin{},
		&TeamPluginSettings{},
		&storage.ArtifactRecord{},
	))
	require.NoError(t, assessment.NewRunStore(db).AutoMigrate())
	return db
}

// recordingBackfiller keeps every enqueued request pending, the way outbox
// rows wait for the relay.
type recordingBackfiller struct {
	mu      sync.Mutex
	calls   []string
	pending map[string]bool
}

func (r *recordingBackfiller) PendingArtifacts(_ context.Context, tx *gorm.DB, pluginName string, artifactIDs []string) (mapset.Set[string], error) {
	if tx == nil {
		return nil, fmt.Errorf("pending lookup outside transaction")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := mapset.NewThreadUnsafeSet[string]()
	for _, id := range artifactIDs {
		if r.pending[pluginName+"/"+id] {
			out.Add(id)
		}
	}
	return out, nil
}

func (r *recordingBackfiller) EnqueueBackfill(_ context.Context, tx *gorm.DB, artifactID, pluginName string) error {
	if tx == nil {
		return fmt.Errorf("backfill outside transaction")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pluginName+"/"+artifactID)
	if r.pending == nil {
		r.pending = map[string]bool{}
	}
	r.pending[pluginName+"/"+artifactID] = true
	return nil
}

func (r *recordingBackfiller) reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	reg      *registry.Registry
	backfill *recordingBackfiller
	catalog  *storage.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := setupTestDB(t)
	reg := registry.New(db, nil, nil)
	for _, d := range []registry.Descriptor{
		{Name: "ntia", Category: plugin.CategoryCompliance, Version: "1.0.0", Enabled: true,
			DefaultConfig: map[string]any{"severity": "medium", "limits": map[string]any{"max": 10, "min": 1}}},
		{Name: "osv", Category: plugin.CategorySecurity, Version: "1.0.0", Enabled: true},
		{Name: "checksum", Category: plugin.CategoryOther, Version: "1.0.0", Enabled: false},
	} {
		_, err := reg.Register(ctx, d)
		require.NoError(t, err)
	}

	catalog := storage.NewCatalog(db)
	b := &recordingBackfiller{}
	svc := NewService(db, reg, WithBackfill(catalog, assessment.NewRunStore(db), b))
	return &fixture{db: db, svc: svc, reg: reg, backfill: b, catalog: catalog}
}

func (f *fixture) addArtifacts(t *testing.T, teamID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := &storage.ArtifactRecord{TeamID: teamID, ObjectKey: fmt.Sprintf("k/%d", i)}
		require.NoError(t, f.catalog.Create(context.Background(), rec, nil))
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestEffectivePluginsIntersectsRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, "team-1", []string{"osv", "ghost", "checksum", "ntia", "osv"}, nil)
	require.NoError(t, err)

	got, err := f.svc.EffectivePlugins(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"osv", "ntia"}, got)

	none, err := f.svc.EffectivePlugins(ctx, "unknown-team")
	require.NoError(t, err)
	assert.Empty(t, none)

	settings, err := f.svc.Get(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"osv", "ghost", "checksum", "ntia"}, []string(settings.EnabledPlugins))
}

func TestPluginConfigDeepMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, "team-1", []string{"ntia"}, map[string]map[string]any{
		"ntia": {"limits": map[string]any{"max": 50}},
	})
	require.NoError(t, err)

	cfg, err := f.svc.PluginConfig(ctx, "team-1", "ntia")
	require.NoError(t, err)
	assert.Equal(t, "medium", cfg.String("severity", ""))
	limits, ok := cfg["limits"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 50, limits["max"])
	assert.EqualValues(t, 1, limits["min"])

	override, err := f.svc.TeamOverride(ctx, "team-1", "osv")
	require.NoError(t, err)
	assert.Nil(t, override)

	_, err = f.svc.PluginConfig(ctx, "team-1", "ghost")
	assert.ErrorIs(t, err, registry.ErrPluginNotFound)
}

func TestPluginConfigNumericOverrideApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, "team-1", []string{"osv"}, map[string]map[string]any{
		"osv": {"batch_size": 5, "timeout": 15},
	})
	require.NoError(t, err)

	cfg, err := f.svc.PluginConfig(ctx, "team-1", "osv")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Int("batch_size", 1000))
	assert.Equal(t, 15*time.Second, cfg.Duration("timeout", time.Minute))
}

func TestBackfillIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.addArtifacts(t, "team-1", 3)
	f.addArtifacts(t, "team-2", 2)

	res, err := f.svc.UpdateSettings(ctx, "team-1", []string{"ntia"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ntia"}, res.NewlyEnabled)
	assert.Equal(t, 3, res.BackfillCount())
	assert.ElementsMatch(t, []string{"ntia/" + ids[0], "ntia/" + ids[1], "ntia/" + ids[2]}, f.backfill.reset())

	res, err = f.svc.UpdateSettings(ctx, "team-1", []string{"ntia"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.NewlyEnabled)
	assert.Zero(t, res.BackfillCount())
	assert.Empty(t, f.backfill.reset())
}

func TestReenableDoesNotBackfillPendingArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addArtifacts(t, "team-1", 2)

	res, err := f.svc.UpdateSettings(ctx, "team-1", []string{"osv"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.BackfillCount())
	f.backfill.reset()

	_, err = f.svc.UpdateSettings(ctx, "team-1", nil, nil)
	require.NoError(t, err)

	// No run exists yet, but the first requests are still queued.
	res, err = f.svc.UpdateSettings(ctx, "team-1", []string{"osv"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"osv"}, res.NewlyEnabled)
	assert.Zero(t, res.BackfillCount())
	assert.Empty(t, f.backfill.reset())
}

func TestBackfillSkipsArtifactsWithAnyRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.addArtifacts(t, "team-1", 3)

	failed := &assessment.AssessmentRun{
		ArtifactID: ids[0], PluginName: "osv", PluginVersion: "1.0.0", PluginConfigHash: "h",
		RunReason: assessment.ReasonOnUpload, Status: assessment.RunStatusFailed, InputContentDigest: "d",
	}
	require.NoError(t, f.db.Create(failed).Error)

	res, err := f.svc.UpdateSettings(ctx, "team-1", []string{"osv"}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[1:], res.Backfilled["osv"])
	assert.ElementsMatch(t, []string{"osv/" + ids[1], "osv/" + ids[2]}, f.backfill.reset())
}

func TestDisabledPluginIsNotBackfilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addArtifacts(t, "team-1", 2)

	res, err := f.svc.UpdateSettings(ctx, "team-1", []string{"checksum", "ghost"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.NewlyEnabled)
	assert.Empty(t, f.backfill.reset())
}

func TestListTeamIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		_, err := f.svc.UpdateSettings(ctx, id, nil, nil)
		require.NoError(t, err)
	}
	ids, err := f.svc.ListTeamIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestUpdateSettingsValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateSettings(context.Background(), "", nil, nil)
	assert.Error(t, err)
	_, err = f.svc.UpdateSettings(context.Background(), "t", []string{""}, nil)
	assert.Error(t, err)
}
