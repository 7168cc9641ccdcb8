package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrDirtySchema means a migration failed halfway and the schema needs a
// manual fix before the service can start.
var ErrDirtySchema = errors.New("database schema is dirty")

// newMigrator builds a migrate instance over the embedded migration files so
// the binary does not depend on its working directory.
func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// migrateWith runs step and logs the schema version it leaves behind.
// ErrNoChange from step is success.
func migrateWith(db *sql.DB, action string, step func(*migrate.Migrate) error) error {
	logger := slog.Default().With(slog.String("component", "db_migrate"))
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", action, err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info(action+" complete", slog.Uint64("version", 0))
		return nil
	case err != nil:
		logger.Warn("could not read schema version", slog.Any("err", err))
		return nil
	case dirty:
		return fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}
	logger.Info(action+" complete", slog.Uint64("version", uint64(version)))
	return nil
}

// RunMigrations applies every pending embedded migration. Running it on an
// up to date schema is a no-op.
//
// Files are named 000001_description.up.sql / 000001_description.down.sql.
func RunMigrations(db *sql.DB) error {
	return migrateWith(db, "migrate up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown reverts the most recent migration. It drops data and is meant
// for development only.
func MigrateDown(db *sql.DB) error {
	return migrateWith(db, "migrate down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// GetMigrationVersion reports the applied schema version; 0 means none.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}
