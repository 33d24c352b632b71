package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Open returns a store for the named driver: "sqlite", "mysql", "postgres"
// or "memory". The dsn is the database path for sqlite and is ignored for memory.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(ctx, dsn, logger)
	case "mysql":
		return OpenMySQL(ctx, dsn, logger)
	case "postgres", "pgx":
		return OpenPostgres(ctx, PostgresConfig{DSN: dsn}, logger)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
