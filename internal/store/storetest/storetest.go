// Package storetest opens throwaway SQLite-backed managers for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"libattend/internal/store"
)

// NewManager returns a migrated manager over a fresh database file in t.TempDir.
// The manager is drained when the test ends.
func NewManager(t testing.TB, mutate ...func(*store.Config)) *store.Manager {
	t.Helper()
	cfg := store.Config{
		Driver:         "sqlite",
		DSN:            filepath.Join(t.TempDir(), "library.db"),
		MaxConns:       8,
		ConnectTimeout: 2 * time.Second,
		DrainGrace:     2 * time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := store.NewManager(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Drain(context.Background())
	})
	return m
}

// Exec runs a statement on a pooled connection and fails the test on error.
func Exec(t testing.TB, m *store.Manager, query string, args ...any) {
	t.Helper()
	ctx := context.Background()
	lease, err := m.AcquirePooled(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()
	if _, err := lease.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// Count returns the single integer produced by query.
func Count(t testing.TB, m *store.Manager, query string, args ...any) int {
	t.Helper()
	ctx := context.Background()
	lease, err := m.AcquirePooled(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()
	var n int
	if err := lease.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
