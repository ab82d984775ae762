package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"libattend/internal/metrics"
)

// Querier is the statement surface shared by a Lease and anything that runs
// inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Lease is a borrowed connection. Exactly one of Release or Discard must be
// called; extra calls are no-ops.
type Lease struct {
	m        *Manager
	conn     *sql.Conn
	kind     string
	acquired time.Time
	finish   func(discard bool)
	once     sync.Once

	mu     sync.Mutex
	stops  []func()
	parent context.Context
	bound  context.Context
}

var _ Querier = (*Lease)(nil)

func newLease(m *Manager, conn *sql.Conn, kind string, finish func(discard bool)) *Lease {
	return &Lease{m: m, conn: conn, kind: kind, acquired: time.Now(), finish: finish}
}

// Kind reports "pooled" or "dedicated".
func (l *Lease) Kind() string { return l.kind }

// bind derives a statement context that is also cancelled by a forced drain.
// Consecutive statements under the same caller context share one derived
// context, so a long batch on one lease holds a single AfterFunc.
func (l *Lease) bind(ctx context.Context) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bound != nil && l.parent == ctx {
		return l.bound
	}
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.m.forceCtx, cancel)
	l.stops = append(l.stops, func() {
		stop()
		cancel()
	})
	l.parent, l.bound = ctx, bound
	return bound
}

func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.conn.ExecContext(l.bind(ctx), query, args...)
	l.observe(query, start)
	return res, err
}

func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.conn.QueryContext(l.bind(ctx), query, args...)
	l.observe(query, start)
	return rows, err
}

func (l *Lease) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := l.conn.QueryRowContext(l.bind(ctx), query, args...)
	l.observe(query, start)
	return row
}

func (l *Lease) observe(query string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed < l.m.cfg.SlowQuery {
		return
	}
	metrics.SlowQueries.Inc()
	if len(query) > 80 {
		query = query[:80] + "..."
	}
	l.m.log.Warn().Str("query", query).Dur("elapsed", elapsed).Str("kind", l.kind).Msg("slow query")
}

// Release returns the connection for reuse.
func (l *Lease) Release() { l.end(false) }

// Discard closes the connection instead of returning it; use it when the
// session may be left in an unknown state.
func (l *Lease) Discard() { l.end(true) }

func (l *Lease) end(discard bool) {
	l.once.Do(func() {
		l.mu.Lock()
		stops := l.stops
		l.stops, l.parent, l.bound = nil, nil, nil
		l.mu.Unlock()
		for _, stop := range stops {
			stop()
		}
		if discard {
			l.m.log.Debug().Str("kind", l.kind).Msg("discarding connection")
		}
		l.finish(discard)
	})
}
