// Package sqlite provides the embedded SQLite connection and migration
// runner backing the persistent store (C1, spec §4.1): a primary database
// file for endpoints, users, request history, and live audit data, plus a
// separate archive database file that retention sweeps move old audit
// batches into.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/llmlb/llmlb/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

//go:embed migrations_archive/*.sql
var archiveMigrations embed.FS

const driverName = "sqlite"

// pragmas applied to every connection: foreign keys are off by default in
// SQLite and must be turned on per-connection, WAL improves concurrent
// read/write throughput for the single-writer dispatcher workload.
const pragmaDSNSuffix = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// Open opens the primary database file and applies pending migrations.
func Open(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := openAndMigrate(ctx, cfg.Path, migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open primary database: %w", err)
	}
	configurePool(db, cfg)
	return db, nil
}

// OpenArchive opens the audit-archive database file and applies pending
// migrations. It is a distinct file from the primary database (spec §4.1:
// "audit-log archive lives in a separate database file for retention
// sweeps").
func OpenArchive(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := openAndMigrate(ctx, cfg.ArchivePath, archiveMigrations, "migrations_archive")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	configurePool(db, cfg)
	return db, nil
}

func openAndMigrate(ctx context.Context, path string, migrationFS embed.FS, dir string) (*sql.DB, error) {
	dsn := path + pragmaDSNSuffix

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	sub, err := fs.Sub(migrationFS, dir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scope migration dir %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub, goose.WithAllowMissing())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("new migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func configurePool(db *sql.DB, cfg config.Database) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}
