package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/ha"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{
		Type:     "sqlite",
		DSN:      fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	return db
}

func TestOpen_RejectsUnknownType(t *testing.T) {
	_, err := Open(Config{Type: "mysql", DSN: "user@/db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(Config{Type: "sqlite"})
	require.Error(t, err)
}

func TestOpen_SQLiteFileUsesWAL(t *testing.T) {
	db, err := Open(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "assess.db"), LogLevel: "silent"})
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestMigrations_OrderedAndUnique(t *testing.T) {
	seen := map[string]bool{}
	prev := ""
	for _, m := range Migrations() {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		assert.Greater(t, m.Version, prev)
		assert.NotEmpty(t, m.Description)
		assert.NotNil(t, m.Up)
		assert.NotNil(t, m.Down)
		seen[m.Version] = true
		prev = m.Version
	}
}

func TestMigrator_UpCreatesSchema(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, ha.NewMigrationLocker(db, "test"), nil)

	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Len(t, applied, len(Migrations()))

	for _, table := range []string{
		"registered_plugins", "artifacts", "team_plugin_settings",
		"assessment_runs", "assessment_tasks", "outbox_dispatches",
	} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}
	assert.True(t, db.Migrator().HasIndex("assessment_runs", "idx_assessment_runs_dedup"))

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	for v, ok := range status {
		assert.True(t, ok, "migration %s not applied", v)
	}
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, nil, nil)

	_, err := m.Up(context.Background())
	require.NoError(t, err)
	again, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)

	var count int64
	require.NoError(t, db.Model(&SchemaMigration{}).Count(&count).Error)
	assert.Equal(t, int64(len(Migrations())), count)
}

func TestMigrator_DownRevertsLatest(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, nil, nil)
	ctx := context.Background()

	_, err := m.Up(ctx)
	require.NoError(t, err)

	reverted, err := m.Down(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0005"}, reverted)
	assert.False(t, db.Migrator().HasTable("assessment_tasks"))
	assert.True(t, db.Migrator().HasTable("assessment_runs"))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status["0005"])
	assert.True(t, status["0004"])

	reapplied, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0005"}, reapplied)
}

func TestMigrator_DownRejectsNonPositiveSteps(t *testing.T) {
	m := NewMigrator(openTestDB(t), nil, nil)
	_, err := m.Down(context.Background(), 0)
	require.Error(t, err)
}
