// Package localdb is the embedded SQLite connection store for single-node
// deployments and tests. It implements the same operations as package db.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS exams (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	institution_id INTEGER NOT NULL,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT 'STANDARD',
	status         TEXT NOT NULL DEFAULT 'UP_COMING',
	start_time     INTEGER,
	end_time       INTEGER
);

CREATE TABLE IF NOT EXISTS indicator_definitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id    INTEGER NOT NULL REFERENCES exams (id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	thresholds TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_indicator_definitions_exam ON indicator_definitions (exam_id);

CREATE TABLE IF NOT EXISTS client_registrations (
	client_name    TEXT PRIMARY KEY,
	institution_id INTEGER NOT NULL,
	active         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS client_connections (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	institution_id         INTEGER NOT NULL,
	exam_id                INTEGER REFERENCES exams (id),
	status                 TEXT NOT NULL,
	connection_token       TEXT NOT NULL UNIQUE,
	user_session_id        TEXT,
	client_address         TEXT NOT NULL DEFAULT '',
	virtual_client_address TEXT,
	creation_time          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_client_connections_status ON client_connections (status);

CREATE TABLE IF NOT EXISTS client_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL REFERENCES client_connections (id) ON DELETE CASCADE,
	type          TEXT NOT NULL,
	client_time   INTEGER NOT NULL,
	server_time   INTEGER NOT NULL,
	num_value     REAL NOT NULL DEFAULT 0,
	text          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_client_events_connection ON client_events (connection_id, server_time);
`

// Store is a SQLite backed connection store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database file at path and ensures the schema.
// SQLite allows a single writer, so the pool is limited to one connection and
// statements queue in database/sql instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Store, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	logger.Info("LocalDB: opened store", "path", path)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		logger.Warn("LocalDB: error closing store", "path", s.path, "error", err)
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func observe(operation string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, "sqlite").Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "sqlite").Inc()
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	code := sqliteCode(err)
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isForeignKeyViolation(err error) bool {
	return sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

// Times are stored as unix microseconds.
func toUnix(t time.Time) int64 {
	return t.UnixMicro()
}

func fromUnix(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
