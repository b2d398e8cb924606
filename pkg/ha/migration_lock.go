package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

const (
	migrationLockName = "assessments-schema"

	lockRetries       = 30
	lockRetryInterval = time.Second
	// A row older than this belongs to a replica that died mid-migration.
	staleLockAge = 5 * time.Minute
)

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the lock, blocking until it is free.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker returns a PostgreSQL advisory lock, or a lock row in
// the migration_lock table for other dialects. identity is recorded as the
// holder of a lock row.
func NewMigrationLocker(db *gorm.DB, identity string) MigrationLocker {
	if db == nil {
		return noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockName))),
		}
	}
	if identity == "" {
		identity = defaultIdentity()
	}
	// Created up front so concurrent first callers never race on the table.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &rowMigrationLock{db: db, identity: identity}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks belong to a session, so lock and unlock must share a
	// connection.
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn()
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// rowMigrationLock holds the lock while its row exists. The primary key
// makes the insert fail for everyone but the holder.
type rowMigrationLock struct {
	db       *gorm.DB
	identity string
}

func (l *rowMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	db := l.db.WithContext(ctx)
	row := migrationLockRecord{ID: migrationLockName, LockedBy: l.identity}

	var lastErr error
	for i := 0; i < lockRetries; i++ {
		db.Where("id = ? AND locked_at < ?", migrationLockName, time.Now().Add(-staleLockAge)).
			Delete(&migrationLockRecord{})

		row.LockedAt = time.Now()
		if lastErr = db.Create(&row).Error; lastErr == nil {
			break
		}
		if i == lockRetries-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", lockRetries, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	defer l.db.Where("id = ? AND locked_by = ?", migrationLockName, l.identity).Delete(&migrationLockRecord{})
	return fn()
}
