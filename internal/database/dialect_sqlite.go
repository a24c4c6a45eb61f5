package database

import (
	"database/sql"
	"time"

	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
)

// SQLiteDialect implements the Dialect interface for SQLite databases.
// It also satisfies query.Dialect through structural typing.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string                 { return "sqlite" }
func (d *SQLiteDialect) DriverName() string           { return "sqlite" }
func (d *SQLiteDialect) Placeholder(index int) string { return "?" }
func (d *SQLiteDialect) TextArg(s string) string      { return s }

// DSN enables foreign keys and waits on a locked database instead of failing.
func (d *SQLiteDialect) DSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (d *SQLiteDialect) TimeArg(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (d *SQLiteDialect) migrationDriver(db *sql.DB) (migratedb.Driver, error) {
	return migratesqlite.WithInstance(db, &migratesqlite.Config{})
}
