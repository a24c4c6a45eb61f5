package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate brings the schema up to the latest embedded migration. Migrations
// run on their own connection pool, which is closed afterwards.
func (db *SQLStore) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations/"+db.dialect.Name())
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	conn, err := sql.Open(db.dialect.DriverName(), db.dialect.DSN(db.path))
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	driver, err := db.dialect.migrationDriver(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.dialect.Name(), driver)
	if err != nil {
		conn.Close()
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
