// Package migrations holds the embedded schema of every SQLite database the
// service owns. Each database is migrated independently and records its
// version in its own table, so two sets may share one file.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*/*.sql
var migrationFiles embed.FS

// Set names a group of migrations applied to one database.
type Set string

const (
	State  Set = "state"
	Index  Set = "index"
	Mirror Set = "mirror"
	Queue  Set = "queue"
)

// Sets lists every known migration set.
func Sets() []Set {
	return []Set{State, Index, Mirror, Queue}
}

func (s Set) dir() string {
	return "files/" + string(s)
}

func (s Set) table() string {
	return "schema_migrations_" + string(s)
}

// Up runs all pending migrations of the set.
func Up(db *sql.DB, set Set) error {
	m, err := newMigrate(db, set)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db, which the caller owns.

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration of %s failed: %w", set, err)
	}

	return nil
}

// Status reports whether the database is at the latest version of the set.
func Status(db *sql.DB, set Set) error {
	m, err := newMigrate(db, set)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("%s database has no schema version (needs migration)", set)
		}
		return fmt.Errorf("failed to get %s database version: %w", set, err)
	}
	if dirty {
		return fmt.Errorf("%s database is in dirty state at version %d", set, version)
	}

	src, err := iofs.New(migrationFiles, set.dir())
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()

	latest, err := latestVersion(src)
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}

	switch {
	case version < latest:
		return fmt.Errorf("%s database is at version %d but latest is %d", set, version, latest)
	case version > latest:
		return fmt.Errorf("%s database version %d is ahead of binary version %d", set, version, latest)
	}
	return nil
}

func newMigrate(db *sql.DB, set Set) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, set.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	drv, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: set.table()})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		src.Close()
		return nil, err
	}
	return m, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
