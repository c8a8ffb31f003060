package sqlstore

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/huddle/internal/remote/sqlstore/migrations"
)

// MigrateResult reports the schema version after Migrate.
type MigrateResult struct {
	Version uint
	Changed bool
}

// ErrDirtySchema is returned when a previous migration stopped half way.
var ErrDirtySchema = errors.New("schema is dirty")

// Migrate brings the schema up to date. Deleting a message relies on
// foreign key cascades, so a connection without them is refused.
func (db *DB) Migrate() (*MigrateResult, error) {
	var fk int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		return nil, fmt.Errorf("read foreign_keys pragma: %w", err)
	}
	if fk != 1 {
		return nil, errors.New("foreign keys are not enforced on this connection")
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	if v, dirty, err := m.Version(); err == nil && dirty {
		return nil, fmt.Errorf("%w at version %d", ErrDirtySchema, v)
	}

	res := &MigrateResult{Changed: true}
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		res.Changed = false
	case err != nil:
		return nil, fmt.Errorf("migration up: %w", err)
	}
	res.Version, _, _ = m.Version()
	return res, nil
}
