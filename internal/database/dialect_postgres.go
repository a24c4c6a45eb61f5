package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

// pgSanitizeString strips null bytes (0x00) from a string. SQLite stores these
// fine but PostgreSQL rejects them with "invalid byte sequence for encoding UTF8".
func pgSanitizeString(s string) string {
	if strings.ContainsRune(s, '\x00') {
		return strings.ReplaceAll(s, "\x00", "")
	}
	return s
}

// PostgresDialect implements the Dialect interface for PostgreSQL databases.
// It also satisfies query.Dialect through structural typing.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string                    { return "postgres" }
func (d *PostgresDialect) DriverName() string              { return "pgx" }
func (d *PostgresDialect) DSN(pathOrConnStr string) string { return pathOrConnStr }
func (d *PostgresDialect) Placeholder(index int) string    { return fmt.Sprintf("$%d", index) }
func (d *PostgresDialect) TextArg(s string) string         { return pgSanitizeString(s) }

func (d *PostgresDialect) TimeArg(t time.Time) any {
	return t.UTC()
}

func (d *PostgresDialect) migrationDriver(db *sql.DB) (migratedb.Driver, error) {
	return migratepgx.WithInstance(db, &migratepgx.Config{})
}
