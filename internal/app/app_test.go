package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbomify/assessments/pkg/config"
	"github.com/sbomify/assessments/pkg/database"
	"github.com/sbomify/assessments/pkg/ha"
	"github.com/sbomify/assessments/pkg/jobs"
	"github.com/sbomify/assessments/pkg/sbom"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Database: database.Config{
			Type: "sqlite",
			DSN:  filepath.Join(dir, "assess.db"),
		},
		QueueBackend:  config.QueueDatabase,
		EventsBackend: "none",
		Jobs:          jobs.DefaultJobConfig(),
		Storage:       config.StorageConfig{Dir: filepath.Join(dir, "blobs")},
		HA:            ha.DefaultHAConfig(),
		Log:           config.LogConfig{Level: "error"},
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	NewLogger(&buf, config.LogConfig{Level: "debug"}).Debug("text")
	assert.Contains(t, buf.String(), "msg=text")
}

func TestNewWiresEngine(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	list, err := a.Registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, ok := a.Broker.(*jobs.JobStore)
	assert.True(t, ok, "database queue backend uses the job store")

	_, err = a.Teams.UpdateSettings(ctx, "team-1", []string{"ntia", "checksum"}, nil)
	require.NoError(t, err)

	up, err := a.Ingest.Upload(ctx, "team-1", "app.json", sbom.FormatUnknown,
		[]byte(`{"bomFormat":"CycloneDX","specVersion":"1.5","components":[]}`))
	require.NoError(t, err)
	assert.Equal(t, sbom.FormatCycloneDX, up.Artifact.Format)
	assert.ElementsMatch(t, []string{"ntia", "checksum"}, up.Plugins)

	// The relay moves the upload's outbox rows onto the broker.
	n, err := a.Relay().DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(up.Plugins), n)

	assert.NotNil(t, a.WorkerPool())
	assert.NotNil(t, a.Refresher())
}

func TestNewIsRepeatable(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer second.Close()

	status, err := database.NewMigrator(second.DB, nil, nil).Status(ctx)
	require.NoError(t, err)
	for version, applied := range status {
		assert.True(t, applied, version)
	}
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueRedis
	cfg.Redis = config.RedisConfig{Addr: "127.0.0.1:1"}

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "connect to redis")
}

func TestNewRejectsBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
