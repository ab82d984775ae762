package store

import (
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
)

// Dialect captures the SQL and driver differences between supported databases.
type Dialect interface {
	Name() string
	// Open returns a *sql.DB for dsn. Pool limits are applied by the caller.
	Open(dsn string, log zerolog.Logger) (*sql.DB, error)
	// Begin is the statement that opens a write transaction.
	Begin() string
	// SetStatementTimeout returns the statement limiting server-side execution time, or "" when unsupported.
	SetStatementTimeout(d time.Duration) string
	// ResetStatementTimeout restores the session default, or "" when unsupported.
	ResetStatementTimeout() string
	// ForUpdate is appended to a SELECT that must lock the selected rows.
	ForUpdate() string
	IsUniqueViolation(err error) bool
	// IsDataError reports constraint and data-class failures that are local to one statement.
	IsDataError(err error) bool
	Migrations() fs.FS
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres", "pgx":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", name)
}
