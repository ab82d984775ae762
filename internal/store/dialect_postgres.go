package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

const pgUniqueViolation = "23505"

// Postgres is the production dialect, backed by pgx through database/sql.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Open(dsn string, log zerolog.Logger) (*sql.DB, error) {
	cc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	// Server-initiated errors on pooled connections (admin shutdown, idle
	// session timeout) surface here; FATAL closes the connection so the pool
	// reopens it lazily.
	cc.OnPgError = func(_ *pgconn.PgConn, pgErr *pgconn.PgError) bool {
		log.Warn().
			Str("severity", pgErr.Severity).
			Str("code", pgErr.Code).
			Str("message", pgErr.Message).
			Msg("postgres error on pooled connection")
		return pgErr.Severity != "FATAL"
	}
	return stdlib.OpenDB(*cc, stdlib.OptionAfterConnect(func(_ context.Context, conn *pgx.Conn) error {
		log.Debug().Uint32("pid", conn.PgConn().PID()).Msg("postgres connection established")
		return nil
	})), nil
}

func (Postgres) Begin() string { return "BEGIN" }

func (Postgres) SetStatementTimeout(d time.Duration) string {
	return fmt.Sprintf("SET statement_timeout = %d", d.Milliseconds())
}

func (Postgres) ResetStatementTimeout() string { return "SET statement_timeout TO DEFAULT" }

func (Postgres) ForUpdate() string { return " FOR UPDATE" }

func (Postgres) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// IsDataError matches SQLSTATE classes 22 (data exception) and 23 (integrity constraint violation).
func (Postgres) IsDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

func (Postgres) Migrations() fs.FS { return mustSub(migrationFS, "migrations/postgres") }
