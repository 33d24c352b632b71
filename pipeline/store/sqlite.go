package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteMigrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS runs (
			run_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_name TEXT NOT NULL,
			run_state INTEGER NOT NULL DEFAULT 0,
			script TEXT NOT NULL DEFAULT '',
			init BIGINT NOT NULL,
			last_modified BIGINT NOT NULL,
			protocol_name TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			run_group TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			step_seq INTEGER NOT NULL DEFAULT 0,
			UNIQUE (protocol_name, run_name)
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			step_id INTEGER NOT NULL,
			command TEXT NOT NULL,
			parameters BLOB,
			verify_files BLOB,
			iter INTEGER NOT NULL DEFAULT 0,
			execute_mainloop BOOLEAN NOT NULL DEFAULT 1,
			pass_context BOOLEAN NOT NULL DEFAULT 0,
			init BIGINT,
			finish BIGINT,
			parent_step_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_pending ON steps (run_id, execute_mainloop, finish)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_group ON runs (run_group)`,
	},
}

// OpenSQLite opens (creating if needed) a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./pipeline.db" - file in current directory
//   - "/var/lib/pipeline/runs.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file and schema if they don't exist
//   - Enables WAL mode for concurrent readers
//   - Begins every transaction IMMEDIATE so concurrent writers, including
//     gap workers in other processes, wait on busy_timeout instead of failing
//     on a lock upgrade
//   - Enforces foreign keys so steps cascade with their run
//
// Example:
//
//	st, err := store.OpenSQLite(ctx, "./pipeline.db", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect(), logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	params := "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func sqliteDialect() dialect {
	return dialect{
		name:       "sqlite",
		migrations: sqliteMigrations,
		isDuplicate: func(err error) bool {
			return strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
		isContention: isSQLiteBusy,
	}
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
