//go:build integration

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/ha"
)

func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("assessments"),
		tcpostgres.WithUsername("assess"),
		tcpostgres.WithPassword("assess"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DSN = dsn
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestPostgresConcurrentMigrationsApplyOnce(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	const replicas = 4
	results := make([][]string, replicas)
	errs := make([]error, replicas)
	var wg sync.WaitGroup
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locker := ha.NewMigrationLocker(db, "replica")
			results[i], errs[i] = NewMigrator(db, locker, nil).Up(ctx)
		}(i)
	}
	wg.Wait()

	total := 0
	for i := range results {
		require.NoError(t, errs[i])
		total += len(results[i])
	}
	assert.Equal(t, len(Migrations()), total, "each migration must be applied by exactly one replica")

	var count int64
	require.NoError(t, db.Model(&SchemaMigration{}).Count(&count).Error)
	assert.Equal(t, int64(len(Migrations())), count)
}

func TestPostgresConcurrentBeginYieldsOneRun(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	_, err := NewMigrator(db, nil, nil).Up(ctx)
	require.NoError(t, err)

	runs := assessment.NewRunStore(db)
	const workers = 8
	ids := make([]string, workers)
	owners := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, started, err := runs.Begin(ctx, &assessment.AssessmentRun{
				ArtifactID:         "artifact-1",
				PluginName:         "ntia",
				PluginVersion:      "1.0.0",
				PluginConfigHash:   "cfg",
				RunReason:          assessment.ReasonOnUpload,
				InputContentDigest: "digest",
			}, 30*time.Minute)
			if assert.NoError(t, err) {
				ids[i], owners[i] = run.ID, started
			}
		}(i)
	}
	wg.Wait()

	owned := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if owners[i] {
			owned++
		}
	}
	assert.Equal(t, 1, owned, "exactly one worker owns the execution")

	var count int64
	require.NoError(t, db.Model(&assessment.AssessmentRun{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
