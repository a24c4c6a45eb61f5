package database

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres connects to an existing PostgreSQL database and migrates it.
// connStr is a URL or keyword/value connection string; the database itself
// must already exist.
func OpenPostgres(ctx context.Context, connStr string) (*SQLStore, error) {
	return open(ctx, &PostgresDialect{}, connStr)
}
