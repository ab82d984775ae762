package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is the embedded dialect used for single-host deployments and tests.
// Write transactions take the database lock up front (BEGIN IMMEDIATE) so
// concurrent writers queue on the busy timeout instead of failing on upgrade.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Open(dsn string, _ zerolog.Logger) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	return sql.Open("sqlite", SQLiteDSN(dsn))
}

// SQLiteDSN appends the pragmas the store relies on unless the caller supplied a query string.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_time_format=sqlite"
}

func (SQLite) Begin() string { return "BEGIN IMMEDIATE" }

func (SQLite) SetStatementTimeout(time.Duration) string { return "" }

func (SQLite) ResetStatementTimeout() string { return "" }

func (SQLite) ForUpdate() string { return "" }

func (SQLite) IsUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch sqErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Extended result codes disabled on this connection.
		return strings.Contains(sqErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

func (SQLite) IsDataError(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch sqErr.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return true
	}
	return false
}

func (SQLite) Migrations() fs.FS { return mustSub(migrationFS, "migrations/sqlite") }
