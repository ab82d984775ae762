package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInternalManager(t *testing.T, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Driver:         "sqlite",
		DSN:            filepath.Join(t.TempDir(), "library.db"),
		MaxConns:       4,
		ConnectTimeout: 2 * time.Second,
		DrainGrace:     2 * time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Drain(context.Background()) })
	return m
}

func TestDedicatedReplacesBrokenConnectionOnce(t *testing.T) {
	m := newInternalManager(t)
	ctx := context.Background()

	lease, err := m.AcquireDedicated(ctx)
	require.NoError(t, err)
	lease.Release()
	require.NotNil(t, m.dedicated)
	require.EqualValues(t, 0, m.Reconnects())

	// The held handle fails its next liveness probe.
	require.NoError(t, m.dedicated.Close())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := m.AcquireDedicated(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			defer l.Release()
			_, errs[i] = l.ExecContext(ctx, "SELECT 1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.EqualValues(t, 1, m.Reconnects())
	assert.False(t, m.reconnecting.Load())
}

func TestDedicatedFailFastWhileReconnecting(t *testing.T) {
	m := newInternalManager(t, func(c *Config) { c.DedicatedFailFast = true })
	ctx := context.Background()

	m.reconnecting.Store(true)
	_, err := m.AcquireDedicated(ctx)
	require.ErrorIs(t, err, ErrAlreadyReconnecting)

	m.reconnecting.Store(false)
	lease, err := m.AcquireDedicated(ctx)
	require.NoError(t, err)
	lease.Release()
}

func TestDedicatedWaitsWhileReconnectingByDefault(t *testing.T) {
	m := newInternalManager(t)
	ctx := context.Background()

	m.reconnecting.Store(true)
	lease, err := m.AcquireDedicated(ctx)
	require.NoError(t, err)
	lease.Release()
}

func TestLeaseSharesStatementContextPerCaller(t *testing.T) {
	m := newInternalManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease, err := m.AcquireDedicated(ctx)
	require.NoError(t, err)
	defer lease.Release()

	for range 100 {
		_, err := lease.ExecContext(ctx, "SELECT 1")
		require.NoError(t, err)
		var one int
		require.NoError(t, lease.QueryRowContext(ctx, "SELECT 1").Scan(&one))
	}
	lease.mu.Lock()
	assert.Len(t, lease.stops, 1)
	lease.mu.Unlock()

	other := context.WithValue(ctx, txKey{}, true)
	_, err = lease.ExecContext(other, "SELECT 1")
	require.NoError(t, err)
	lease.mu.Lock()
	assert.Len(t, lease.stops, 2)
	lease.mu.Unlock()
}
