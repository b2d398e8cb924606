// Package database opens the engine's relational store and owns its schema.
package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects and tunes the database.
type Config struct {
	// Type is "postgres" (default) or "sqlite".
	Type string
	DSN  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LogLevel is the gorm logger level: silent, error, warn or info.
	LogLevel string
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Type:            "postgres",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		LogLevel:        "warn",
	}
}

// Open connects to the database described by cfg.
//
// SQLite allows a single writer, so its pool is capped at one connection
// and callers must not use a second handle inside a transaction.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel(cfg.LogLevel))}

	switch strings.ToLower(cfg.Type) {
	case "", "postgres", "postgresql":
		db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return db, nil

	case "sqlite", "sqlite3":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if !strings.Contains(cfg.DSN, "mode=memory") && cfg.DSN != ":memory:" {
			if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
				return nil, fmt.Errorf("set WAL mode: %w", err)
			}
		}
		if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres or sqlite)", cfg.Type)
	}
}

func logLevel(s string) logger.LogLevel {
	switch strings.ToLower(s) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
