package query

import "time"

// Dialect abstracts the SQL syntax differences needed for query building.
// database.Dialect satisfies it through structural typing.
type Dialect interface {
	// Placeholder returns the parameter placeholder for the given 1-based index.
	// SQLite returns "?" (ignoring the index), PostgreSQL returns "$1", "$2", etc.
	Placeholder(index int) string

	// TimeArg converts a time bound into the value compared against ts.
	TimeArg(t time.Time) any
}
