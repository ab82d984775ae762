package store

import (
	"context"
	"database/sql"
	"time"

	"libattend/internal/metrics"
)

// BoundedReader runs read-only queries with both a server-side statement
// timeout and a client-side wall-clock limit. It never reports failures to
// the caller: every failure degrades to a fallback result.
type BoundedReader struct {
	m                *Manager
	statementTimeout time.Duration
	wallClock        time.Duration
}

// NewBoundedReader returns a reader with the given default statement
// timeout and wall-clock limit.
func NewBoundedReader(m *Manager, statementTimeout, wallClock time.Duration) *BoundedReader {
	if statementTimeout <= 0 {
		statementTimeout = time.Second
	}
	if wallClock <= 0 {
		wallClock = 2 * time.Second
	}
	return &BoundedReader{m: m, statementTimeout: statementTimeout, wallClock: wallClock}
}

// BoundedQuery describes one bounded read. A zero Budget uses the reader's default statement timeout.
type BoundedQuery struct {
	Name   string
	SQL    string
	Args   []any
	Budget time.Duration
}

// QueryBounded runs q and maps each row with scan. If the query fails or
// the wall-clock limit elapses first, the failure is logged and fallback is
// returned with degraded set. The result is never nil.
func QueryBounded[T any](ctx context.Context, r *BoundedReader, q BoundedQuery, scan func(*sql.Rows) (T, error), fallback []T) ([]T, bool) {
	if fallback == nil {
		fallback = []T{}
	}
	ctx, cancel := context.WithTimeout(ctx, r.wallClock)
	defer cancel()

	type outcome struct {
		rows []T
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		rows, err := runBounded(ctx, r, q, scan)
		done <- outcome{rows: rows, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			metrics.BoundedFallbacks.WithLabelValues("error").Inc()
			r.m.log.Warn().Err(out.err).Str("query", q.Name).Dur("elapsed", time.Since(start)).Msg("bounded read failed, using fallback")
			return fallback, true
		}
		return out.rows, false
	case <-ctx.Done():
		metrics.BoundedFallbacks.WithLabelValues("timeout").Inc()
		r.m.log.Warn().Str("query", q.Name).Dur("limit", r.wallClock).Msg("bounded read exceeded wall-clock limit, using fallback")
		return fallback, true
	}
}

func runBounded[T any](ctx context.Context, r *BoundedReader, q BoundedQuery, scan func(*sql.Rows) (T, error)) ([]T, error) {
	budget := q.Budget
	if budget <= 0 {
		budget = r.statementTimeout
	}
	lease, err := r.m.AcquirePooled(ctx)
	if err != nil {
		return nil, err
	}
	d := r.m.dialect
	if stmt := d.SetStatementTimeout(budget); stmt != "" {
		if _, err := lease.ExecContext(ctx, stmt); err != nil {
			lease.Discard()
			return nil, err
		}
		defer func() {
			// The session timeout must not leak to the next borrower.
			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.cfg.ConnectTimeout)
			defer rcancel()
			if _, err := lease.ExecContext(rctx, d.ResetStatementTimeout()); err != nil {
				r.m.log.Warn().Err(err).Msg("statement timeout reset failed, discarding connection")
				lease.Discard()
				return
			}
			lease.Release()
		}()
	} else {
		defer lease.Release()
	}

	rows, err := lease.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
