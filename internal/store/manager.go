package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"libattend/internal/metrics"
)

// Config tunes the connection resource manager.
type Config struct {
	Driver          string
	DSN             string
	MaxConns        int
	MaxIdleConns    int
	ConnectTimeout  time.Duration
	IdleTimeout     time.Duration
	ConnMaxLifetime time.Duration
	DrainGrace      time.Duration
	SlowQuery       time.Duration
	// DedicatedFailFast makes AcquireDedicated return ErrAlreadyReconnecting
	// instead of waiting while another caller is replacing the connection.
	DedicatedFailFast bool
	SkipMigrations    bool
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxConns {
		c.MaxIdleConns = min(5, c.MaxConns)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	if c.SlowQuery <= 0 {
		c.SlowQuery = 200 * time.Millisecond
	}
	return c
}

// Manager owns the bounded connection pool and the dedicated connection.
// Create one per process with NewManager and release it with Drain.
type Manager struct {
	cfg     Config
	dialect Dialect
	log     zerolog.Logger

	pool        *sql.DB
	dedicatedDB *sql.DB

	// dedicatedSem has a single slot; its holder owns dedicated, including
	// the probe-and-reconnect sequence.
	dedicatedSem *semaphore.Weighted
	dedicated    *sql.Conn
	reconnecting atomic.Bool
	reconnects   atomic.Int64

	mu       sync.RWMutex
	draining bool
	inflight sync.WaitGroup

	forceCtx    context.Context
	forceCancel context.CancelFunc
}

// NewManager opens the pool and the dedicated connection handle, verifies
// connectivity and applies migrations.
func NewManager(ctx context.Context, cfg Config, log zerolog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	pool, err := d.Open(cfg.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxIdleTime(cfg.IdleTimeout)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	dedicatedDB, err := d.Open(cfg.DSN, log)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("open dedicated handle: %w", err)
	}
	dedicatedDB.SetMaxOpenConns(1)
	dedicatedDB.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		_ = dedicatedDB.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name(), err)
	}
	if !cfg.SkipMigrations {
		if err := ApplyMigrations(ctx, pool, d); err != nil {
			_ = pool.Close()
			_ = dedicatedDB.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	forceCtx, forceCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		dialect:      d,
		log:          log.With().Str("component", "store").Logger(),
		pool:         pool,
		dedicatedDB:  dedicatedDB,
		dedicatedSem: semaphore.NewWeighted(1),
		forceCtx:     forceCtx,
		forceCancel:  forceCancel,
	}
	m.log.Info().
		Str("driver", d.Name()).
		Int("max_conns", cfg.MaxConns).
		Dur("connect_timeout", cfg.ConnectTimeout).
		Msg("database connected")
	return m, nil
}

// Dialect returns the SQL dialect in use.
func (m *Manager) Dialect() Dialect { return m.dialect }

// DB exposes the pool for statistics collection.
func (m *Manager) DB() *sql.DB { return m.pool }

// Reconnects reports how many times the dedicated connection has been replaced.
func (m *Manager) Reconnects() int64 { return m.reconnects.Load() }

func (m *Manager) enter() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.draining {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, ErrDraining)
	}
	m.inflight.Add(1)
	return nil
}

// AcquirePooled borrows a connection from the pool, waiting at most the
// configured connect timeout. The caller must Release the lease.
func (m *Manager) AcquirePooled(ctx context.Context) (*Lease, error) {
	if err := m.enter(); err != nil {
		metrics.AcquireTotal.WithLabelValues("pooled", "draining").Inc()
		return nil, err
	}
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.pool.Conn(cctx)
	metrics.AcquireDuration.WithLabelValues("pooled").Observe(time.Since(start).Seconds())
	if err != nil {
		m.inflight.Done()
		return nil, m.acquireError("pooled", ctx, err)
	}
	metrics.AcquireTotal.WithLabelValues("pooled", "ok").Inc()
	return newLease(m, conn, "pooled", func(discard bool) {
		if discard {
			discardConn(conn)
		} else {
			_ = conn.Close()
		}
		m.inflight.Done()
	}), nil
}

// AcquireDedicated returns exclusive use of the process-wide dedicated
// connection. The connection is opened on first use and probed with SELECT 1
// on every later acquisition; a failed probe replaces it transparently.
func (m *Manager) AcquireDedicated(ctx context.Context) (*Lease, error) {
	if m.cfg.DedicatedFailFast && m.reconnecting.Load() {
		metrics.AcquireTotal.WithLabelValues("dedicated", "reconnecting").Inc()
		return nil, ErrAlreadyReconnecting
	}
	if err := m.enter(); err != nil {
		metrics.AcquireTotal.WithLabelValues("dedicated", "draining").Inc()
		return nil, err
	}
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.dedicatedSem.Acquire(cctx, 1); err != nil {
		m.inflight.Done()
		if m.cfg.DedicatedFailFast && m.reconnecting.Load() {
			metrics.AcquireTotal.WithLabelValues("dedicated", "reconnecting").Inc()
			return nil, ErrAlreadyReconnecting
		}
		return nil, m.acquireError("dedicated", ctx, err)
	}
	conn, err := m.ensureDedicated(cctx)
	metrics.AcquireDuration.WithLabelValues("dedicated").Observe(time.Since(start).Seconds())
	if err != nil {
		m.dedicatedSem.Release(1)
		m.inflight.Done()
		return nil, m.acquireError("dedicated", ctx, err)
	}
	metrics.AcquireTotal.WithLabelValues("dedicated", "ok").Inc()
	return newLease(m, conn, "dedicated", func(discard bool) {
		if discard {
			discardConn(conn)
			m.dedicated = nil
		}
		m.dedicatedSem.Release(1)
		m.inflight.Done()
	}), nil
}

// ensureDedicated must be called while holding dedicatedSem.
func (m *Manager) ensureDedicated(ctx context.Context) (*sql.Conn, error) {
	if m.dedicated != nil {
		err := probe(ctx, m.dedicated)
		if err == nil {
			return m.dedicated, nil
		}
		m.log.Warn().Err(err).Msg("dedicated connection is no longer usable, reconnecting")
	}

	m.reconnecting.Store(true)
	defer m.reconnecting.Store(false)

	replacing := m.dedicated != nil
	if replacing {
		discardConn(m.dedicated)
		m.dedicated = nil
	}
	conn, err := m.dedicatedDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open dedicated connection: %w", err)
	}
	if err := probe(ctx, conn); err != nil {
		discardConn(conn)
		return nil, fmt.Errorf("probe new dedicated connection: %w", err)
	}
	if replacing {
		m.reconnects.Add(1)
		metrics.DedicatedReconnects.Inc()
		m.log.Info().Int64("reconnects", m.reconnects.Load()).Msg("dedicated connection replaced")
	}
	m.dedicated = conn
	return conn, nil
}

func (m *Manager) acquireError(kind string, caller context.Context, err error) error {
	switch {
	case caller.Err() != nil:
		metrics.AcquireTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("acquire %s connection: %w", kind, caller.Err())
	case errors.Is(err, context.DeadlineExceeded):
		metrics.AcquireTotal.WithLabelValues(kind, "exhausted").Inc()
		m.log.Warn().Str("kind", kind).Dur("timeout", m.cfg.ConnectTimeout).Msg("connection acquisition timed out")
		return fmt.Errorf("acquire %s connection within %s: %w", kind, m.cfg.ConnectTimeout, ErrResourceExhausted)
	default:
		metrics.AcquireTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("acquire %s connection: %w: %w", kind, ErrInfrastructure, err)
	}
}

// Ping runs a diagnostic SELECT 1 through the pool. Failures are logged and returned, never fatal.
func (m *Manager) Ping(ctx context.Context) error {
	lease, err := m.AcquirePooled(ctx)
	if err != nil {
		metrics.PingFailures.Inc()
		m.log.Warn().Err(err).Msg("database ping failed")
		return fmt.Errorf("ping: %w", err)
	}
	defer lease.Release()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := probe(pctx, lease); err != nil {
		metrics.PingFailures.Inc()
		m.log.Warn().Err(err).Msg("database ping failed")
		lease.Discard()
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// StartKeepAlive pings the pool every interval until ctx is done or the manager drains.
func (m *Manager) StartKeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.forceCtx.Done():
				return
			case <-ticker.C:
				if err := m.Ping(ctx); errors.Is(err, ErrDraining) {
					return
				}
			}
		}
	}()
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	MaxOpen   int   `json:"max_open"`
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

// Health summarises database connectivity.
type Health struct {
	Status     string    `json:"status"`
	Database   string    `json:"database"`
	Dedicated  string    `json:"dedicated"`
	Reconnects int64     `json:"dedicated_reconnects"`
	Pool       PoolStats `json:"pool"`
}

// Health pings the pool and, when idle, probes the dedicated connection.
// Status is "ok" or "degraded".
func (m *Manager) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Database: "ok", Dedicated: "idle", Reconnects: m.reconnects.Load()}
	if err := m.Ping(ctx); err != nil {
		h.Status, h.Database = "degraded", "unhealthy"
	}
	if m.dedicatedSem.TryAcquire(1) {
		if m.dedicated != nil {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			if err := probe(pctx, m.dedicated); err != nil {
				h.Status, h.Dedicated = "degraded", "unhealthy"
			} else {
				h.Dedicated = "ok"
			}
			cancel()
		}
		m.dedicatedSem.Release(1)
	} else {
		h.Dedicated = "busy"
	}
	st := m.pool.Stats()
	h.Pool = PoolStats{
		MaxOpen:   st.MaxOpenConnections,
		Open:      st.OpenConnections,
		InUse:     st.InUse,
		Idle:      st.Idle,
		WaitCount: st.WaitCount,
	}
	return h
}

// Drain stops new acquisitions, waits for in-flight leases up to the grace
// period (or ctx), then cancels whatever is still running and closes every
// connection. It returns ErrDrainForced when work had to be cancelled.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(m.cfg.DrainGrace)
	defer grace.Stop()

	forced := false
	select {
	case <-done:
	case <-grace.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	m.forceCancel()
	if forced {
		m.log.Warn().Dur("grace", m.cfg.DrainGrace).Msg("drain grace elapsed, cancelling in-flight work")
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	if m.dedicatedSem.TryAcquire(1) {
		if m.dedicated != nil {
			_ = m.dedicated.Close()
			m.dedicated = nil
		}
		m.dedicatedSem.Release(1)
	}
	err := errors.Join(m.pool.Close(), m.dedicatedDB.Close())
	m.log.Info().Bool("forced", forced).Msg("database connections closed")
	if forced {
		return errors.Join(ErrDrainForced, err)
	}
	return err
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func probe(ctx context.Context, q rowQuerier) error {
	var one int
	return q.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// discardConn closes conn and tells database/sql not to reuse the underlying driver connection.
func discardConn(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}
