package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/ha"
	"github.com/sbomify/assessments/pkg/jobs"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
	"github.com/sbomify/assessments/pkg/teams"
)

// Migration is one ordered schema change.
type Migration struct {
	// Version orders migrations; it is compared as a string.
	Version     string
	Description string
	Up          func(db *gorm.DB) error
	Down        func(db *gorm.DB) error
}

// SchemaMigration records an applied migration.
type SchemaMigration struct {
	Version     string    `gorm:"primaryKey;column:version"`
	Description string    `gorm:"column:description"`
	AppliedAt   time.Time `gorm:"column:applied_at"`
}

// TableName returns the GORM table name.
func (SchemaMigration) TableName() string { return "schema_migrations" }

func dropTables(tables ...any) func(db *gorm.DB) error {
	return func(db *gorm.DB) error {
		return db.Migrator().DropTable(tables...)
	}
}

// Migrations returns the schema history of the engine in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     "0001",
			Description: "plugin registry",
			Up:          func(db *gorm.DB) error { return db.AutoMigrate(&registry.RegisteredPlugin{}) },
			Down:        dropTables(&registry.RegisteredPlugin{}),
		},
		{
			Version:     "0002",
			Description: "artifact catalog",
			Up:          func(db *gorm.DB) error { return db.AutoMigrate(&storage.ArtifactRecord{}) },
			Down:        dropTables(&storage.ArtifactRecord{}),
		},
		{
			Version:     "0003",
			Description: "team plugin settings",
			Up:          func(db *gorm.DB) error { return db.AutoMigrate(&teams.TeamPluginSettings{}) },
			Down:        dropTables(&teams.TeamPluginSettings{}),
		},
		{
			Version:     "0004",
			Description: "assessment runs with live-run dedup index",
			Up:          func(db *gorm.DB) error { return assessment.NewRunStore(db).AutoMigrate() },
			Down:        dropTables(&assessment.AssessmentRun{}),
		},
		{
			Version:     "0005",
			Description: "assessment task queue and dispatch outbox",
			Up:          func(db *gorm.DB) error { return jobs.NewJobStore(db).AutoMigrate() },
			Down:        dropTables(&jobs.OutboxDispatch{}, &jobs.AssessmentTask{}),
		},
	}
}

// Migrator applies migrations under a cross-replica lock.
type Migrator struct {
	db         *gorm.DB
	locker     ha.MigrationLocker
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrator creates a Migrator for Migrations(). A nil locker runs
// without locking.
func NewMigrator(db *gorm.DB, locker ha.MigrationLocker, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = ha.NewMigrationLocker(nil, "")
	}
	return &Migrator{db: db, locker: locker, migrations: Migrations(), logger: logger}
}

func (m *Migrator) applied(ctx context.Context) (mapset.Set[string], error) {
	if err := m.db.WithContext(ctx).AutoMigrate(&SchemaMigration{}); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	var versions []string
	if err := m.db.WithContext(ctx).Model(&SchemaMigration{}).Pluck("version", &versions).Error; err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	return mapset.NewThreadUnsafeSet(versions...), nil
}

// Up applies every pending migration and returns the versions applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	var done []string
	err := m.locker.WithLock(ctx, func() error {
		applied, err := m.applied(ctx)
		if err != nil {
			return err
		}
		for _, mig := range m.migrations {
			if applied.Contains(mig.Version) {
				continue
			}
			m.logger.Info("applying migration", "version", mig.Version, "description", mig.Description)
			if err := mig.Up(m.db.WithContext(ctx)); err != nil {
				return fmt.Errorf("migration %s (%s): %w", mig.Version, mig.Description, err)
			}
			rec := SchemaMigration{Version: mig.Version, Description: mig.Description, AppliedAt: time.Now()}
			if err := m.db.WithContext(ctx).Create(&rec).Error; err != nil {
				return fmt.Errorf("record migration %s: %w", mig.Version, err)
			}
			done = append(done, mig.Version)
		}
		return nil
	})
	return done, err
}

// Down reverts the latest steps applied migrations.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		return nil, errors.New("steps must be positive")
	}
	var reverted []string
	err := m.locker.WithLock(ctx, func() error {
		applied, err := m.applied(ctx)
		if err != nil {
			return err
		}
		for i := len(m.migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
			mig := m.migrations[i]
			if !applied.Contains(mig.Version) {
				continue
			}
			m.logger.Info("reverting migration", "version", mig.Version, "description", mig.Description)
			if err := mig.Down(m.db.WithContext(ctx)); err != nil {
				return fmt.Errorf("revert migration %s: %w", mig.Version, err)
			}
			if err := m.db.WithContext(ctx).Delete(&SchemaMigration{}, "version = ?", mig.Version).Error; err != nil {
				return fmt.Errorf("unrecord migration %s: %w", mig.Version, err)
			}
			reverted = append(reverted, mig.Version)
		}
		return nil
	})
	return reverted, err
}

// Status lists every migration with whether it is applied.
func (m *Migrator) Status(ctx context.Context) (map[string]bool, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(m.migrations))
	for _, mig := range m.migrations {
		out[mig.Version] = applied.Contains(mig.Version)
	}
	return out, nil
}
