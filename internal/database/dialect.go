package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	migratedb "github.com/golang-migrate/migrate/v4/database"
)

// Dialect abstracts the database-specific parts of the store.
// Each backend (SQLite, PostgreSQL) implements this interface. Placeholder and
// TimeArg match query.Dialect through Go structural typing, so a Dialect can
// also be handed to the query builder.
type Dialect interface {
	// Name is the driver name used in configuration and the migrations directory.
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// DSN returns the data source name for opening a connection.
	DSN(pathOrConnStr string) string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	// SQLite: "?" (ignoring index), PostgreSQL: "$1", "$2", etc.
	Placeholder(index int) string

	// TimeArg converts a timestamp into the value bound for a time column.
	// SQLite stores fixed-width UTC text; PostgreSQL binds TIMESTAMPTZ.
	TimeArg(t time.Time) any

	// TextArg prepares a string for binding.
	TextArg(s string) string

	migrationDriver(db *sql.DB) (migratedb.Driver, error)
}

// rebind rewrites '?' placeholders for the dialect. Queries in this package
// never contain literal question marks.
func rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// boolArg binds flags as 0/1; both backends store them as integers.
func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteTimeLayout sorts lexicographically in time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// dbTime scans a time column from either backend.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into a timestamp", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// Ptr returns nil for a NULL column.
func (t dbTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// nullTimeArg binds a nullable timestamp.
func nullTimeArg(d Dialect, t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.TimeArg(*t)
}
