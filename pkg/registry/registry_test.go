package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/sbom"
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
	require.NoError(t, db.AutoMigrate(&RegisteredPlugin{}))
	return db
}

type fakePlugin struct{ name string }

func (f fakePlugin) Name() string              { return f.name }
func (fakePlugin) Version() string             { return "1.0.0" }
func (fakePlugin) Category() plugin.Category   { return plugin.CategoryCompliance }
func (fakePlugin) Assess(context.Context, []byte, sbom.Format, plugin.Config) (*plugin.Result, error) {
	return &plugin.Result{}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	f := NewFactories()
	require.NoError(t, f.Add("ntia", func() plugin.Plugin { return fakePlugin{name: "ntia"} }))
	require.NoError(t, f.Add("osv", func() plugin.Plugin { return fakePlugin{name: "osv"} }))
	return New(setupTestDB(t), f, nil)
}

var ntiaDescriptor = Descriptor{
	Name:                  "ntia",
	DisplayName:           "NTIA",
	Category:              plugin.CategoryCompliance,
	Version:               "1.0.0",
	ImplementationLocator: "builtin:ntia",
	Enabled:               true,
	DefaultConfig:         map[string]any{"severity": "medium"},
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	first, err := r.Register(ctx, ntiaDescriptor)
	require.NoError(t, err)
	assert.True(t, first.IsEnabled)
	assert.Equal(t, "medium", first.DefaultConfig["severity"])

	updated := ntiaDescriptor
	updated.Version = "1.1.0"
	updated.DefaultConfig = map[string]any{"severity": "high"}
	second, err := r.Register(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "1.1.0", second.Version)
	assert.Equal(t, "high", second.DefaultConfig["severity"])

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegisterPreservesKillSwitch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.Register(ctx, ntiaDescriptor)
	require.NoError(t, err)
	require.NoError(t, r.SetEnabled(ctx, "ntia", false))

	row, err := r.Register(ctx, ntiaDescriptor)
	require.NoError(t, err)
	assert.False(t, row.IsEnabled)
}

func TestRegisterConcurrently(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(ctx, ntiaDescriptor)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.Register(ctx, ntiaDescriptor)
	require.NoError(t, err)

	p, row, err := r.Resolve(ctx, "ntia")
	require.NoError(t, err)
	assert.Equal(t, "ntia", p.Name())
	assert.Equal(t, "builtin:ntia", row.ImplementationLocator)

	_, _, err = r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	require.NoError(t, r.SetEnabled(ctx, "ntia", false))
	_, _, err = r.Resolve(ctx, "ntia")
	assert.ErrorIs(t, err, ErrPluginDisabled)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestResolveWithoutFactory(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	d := ntiaDescriptor
	d.Name = "legacy"
	d.ImplementationLocator = "sbomify.apps.plugins.legacy.Plugin"
	_, err := r.Register(ctx, d)
	require.NoError(t, err)

	_, _, err = r.Resolve(ctx, "legacy")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestListEnabled(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	osvDesc := ntiaDescriptor
	osvDesc.Name = "osv"
	osvDesc.Category = plugin.CategorySecurity
	osvDesc.Enabled = false
	require.NoError(t, r.RegisterAll(ctx, []Descriptor{ntiaDescriptor, osvDesc}))

	enabled, err := r.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "ntia", enabled[0].Name)
}

func TestRegisterRejectsBadCategory(t *testing.T) {
	d := ntiaDescriptor
	d.Category = "wizardry"
	_, err := newTestRegistry(t).Register(context.Background(), d)
	assert.Error(t, err)
}

func TestFactoriesRejectDuplicates(t *testing.T) {
	f := NewFactories()
	require.NoError(t, f.Add("a", func() plugin.Plugin { return fakePlugin{name: "a"} }))
	assert.Error(t, f.Add("a", func() plugin.Plugin { return fakePlugin{name: "a"} }))
	assert.Equal(t, []string{"a"}, f.Names())
}

const catalogYAML = `apiVersion: assessments.sbomify.io/v1
kind: PluginCatalog
plugins:
  - name: ntia
    version: 1.2.0
    enabled: false
    defaultConfig:
      severity: low
  - name: osv
    category: security
    version: 2.0.0
    displayName: OSV
`

func TestApplyCatalog(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterAll(ctx, []Descriptor{ntiaDescriptor}))

	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Empty(t, ValidateCatalog(c, []Descriptor{ntiaDescriptor}, r.Factories()))
	require.NoError(t, r.ApplyCatalog(ctx, c, []Descriptor{ntiaDescriptor}))

	ntia, err := r.Get(ctx, "ntia")
	require.NoError(t, err)
	assert.False(t, ntia.IsEnabled)
	assert.Equal(t, "1.2.0", ntia.Version)
	assert.Equal(t, "low", ntia.DefaultConfig["severity"])

	osvRow, err := r.Get(ctx, "osv")
	require.NoError(t, err)
	assert.True(t, osvRow.IsEnabled)
	assert.Equal(t, "OSV", osvRow.DisplayName)
}

func TestValidateCatalog(t *testing.T) {
	c := &CatalogFile{
		APIVersion: "v0",
		Kind:       "Other",
		Plugins: []CatalogEntry{
			{Name: "unknown", Category: "security", Version: "1.0"},
			{Name: ""},
		},
	}
	errs := ValidateCatalog(c, nil, NewFactories())
	assert.Contains(t, errs, `apiVersion must be assessments.sbomify.io/v1, got "v0"`)
	assert.Contains(t, errs, `kind must be PluginCatalog, got "Other"`)
	assert.Contains(t, errs, `plugins[0]: no factory registered for "unknown"`)
	assert.Contains(t, errs, "plugins[1].name is required")

	var semverErr bool
	for _, e := range errs {
		if e == "plugins[0].version is not valid semver: expected 3 dot-separated components, got 2 in \"1.0\"" {
			semverErr = true
		}
	}
	assert.True(t, semverErr, "%v", errs)
}

func TestParseSemver(t *testing.T) {
	maj, minor, patch, err := ParseSemver("v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int{maj, minor, patch})

	_, _, _, err = ParseSemver("1.x.0")
	assert.Error(t, err)
}
