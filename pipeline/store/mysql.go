package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlMigrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS runs (
			run_id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_name VARCHAR(255) NOT NULL,
			run_state INT NOT NULL DEFAULT 0,
			script TEXT NOT NULL,
			init BIGINT NOT NULL,
			last_modified BIGINT NOT NULL,
			protocol_name VARCHAR(255) NOT NULL,
			comment TEXT NOT NULL,
			run_group VARCHAR(255) NOT NULL DEFAULT '',
			pid INT NOT NULL DEFAULT 0,
			step_seq BIGINT NOT NULL DEFAULT 0,
			UNIQUE KEY unique_protocol_run (protocol_name, run_name),
			INDEX idx_runs_group (run_group)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id BIGINT NOT NULL,
			step_id BIGINT NOT NULL,
			command VARCHAR(255) NOT NULL,
			parameters LONGBLOB,
			verify_files LONGBLOB,
			iter INT NOT NULL DEFAULT 0,
			execute_mainloop BOOLEAN NOT NULL DEFAULT TRUE,
			pass_context BOOLEAN NOT NULL DEFAULT FALSE,
			init BIGINT NULL,
			finish BIGINT NULL,
			parent_step_id BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, step_id),
			INDEX idx_steps_pending (run_id, execute_mainloop, finish),
			CONSTRAINT fk_steps_run FOREIGN KEY (run_id) REFERENCES runs (run_id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
}

// OpenMySQL opens a MySQL-backed store. MySQL 8.0+ is required for
// SKIP LOCKED gap claims.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/pipeline
//	user:password@/pipeline (uses localhost:3306)
//
// Never hardcode credentials; read the DSN from configuration or PIPELINE_DB_DSN.
func OpenMySQL(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)                  // Maximum open connections
	db.SetMaxIdleConns(5)                   // Keep idle connections for reuse
	db.SetConnMaxLifetime(5 * time.Minute)  // Max connection lifetime (prevent stale connections)
	db.SetConnMaxIdleTime(10 * time.Minute) // Max idle time before closing

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect(), logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func mysqlDialect() dialect {
	return dialect{
		name:       "mysql",
		rowLock:    " FOR UPDATE",
		claimLock:  " FOR UPDATE OF s SKIP LOCKED",
		migrations: mysqlMigrations,
		isDuplicate: func(err error) bool {
			return mysqlErrorNumber(err) == 1062 // ER_DUP_ENTRY
		},
		isContention: func(err error) bool {
			switch mysqlErrorNumber(err) {
			case 1205, 1213: // lock wait timeout, deadlock
				return true
			}
			return false
		},
	}
}

func mysqlErrorNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}
