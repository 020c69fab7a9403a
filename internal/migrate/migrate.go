// Package migrate applies the Postgres backend's schema via
// golang-migrate, embedding the migration set so the binary carries its
// own schema history. Grounded on the teacher's migrations package shape
// (internal/platform/migrations), generalized from its bespoke Apply(ctx,
// *sql.DB) loop to golang-migrate's directory-versioned runner — the
// teacher's own go.mod already carries golang-migrate/migrate/v4 as a
// direct dependency.
package migrate

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Apply runs every pending up migration against dsn, returning nil if the
// schema was already at the latest version.
func Apply(dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: load embedded source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrate: open migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: apply: %w", err)
	}
	return nil
}

// Down rolls back every applied migration; used by the CLI's maintenance
// teardown path and by integration test fixtures.
func Down(dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: load embedded source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrate: open migrator: %w", err)
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: rollback: %w", err)
	}
	return nil
}
