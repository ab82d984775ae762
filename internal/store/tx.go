package store

import (
	"context"
	"fmt"

	"libattend/internal/metrics"
)

type txKey struct{}

// InTransaction reports whether ctx belongs to work running inside WithTransaction.
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// TxFunc is a unit of work run inside a transaction. Statements must go
// through q and use the ctx it is given.
type TxFunc func(ctx context.Context, q Querier) error

// WithTransaction runs work in a transaction on a pooled connection.
// The transaction commits when work returns nil and rolls back on error or
// panic; a panic is re-raised after the rollback.
func (m *Manager) WithTransaction(ctx context.Context, work TxFunc) error {
	if InTransaction(ctx) {
		return ErrTransactionAlreadyActive
	}
	lease, err := m.AcquirePooled(ctx)
	if err != nil {
		return err
	}
	return m.runTx(ctx, lease, work)
}

// WithDedicatedTransaction is WithTransaction on the dedicated connection.
func (m *Manager) WithDedicatedTransaction(ctx context.Context, work TxFunc) error {
	if InTransaction(ctx) {
		return ErrTransactionAlreadyActive
	}
	lease, err := m.AcquireDedicated(ctx)
	if err != nil {
		return err
	}
	return m.runTx(ctx, lease, work)
}

func (m *Manager) runTx(ctx context.Context, lease *Lease, work TxFunc) (err error) {
	if _, err := lease.ExecContext(ctx, m.dialect.Begin()); err != nil {
		lease.Discard()
		return fmt.Errorf("begin: %w: %w", ErrInfrastructure, err)
	}

	committed := false
	defer func() {
		p := recover()
		if committed {
			lease.Release()
		} else {
			m.rollback(ctx, lease)
		}
		if p != nil {
			panic(p)
		}
	}()

	if err := work(context.WithValue(ctx, txKey{}, true), lease); err != nil {
		return err
	}
	if _, err := lease.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w: %w", ErrInfrastructure, err)
	}
	committed = true
	metrics.Transactions.WithLabelValues("commit").Inc()
	return nil
}

// rollback uses a context detached from the caller so a cancelled request
// still ends its transaction. A connection that cannot roll back is discarded.
func (m *Manager) rollback(ctx context.Context, lease *Lease) {
	metrics.Transactions.WithLabelValues("rollback").Inc()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ConnectTimeout)
	defer cancel()
	if _, err := lease.ExecContext(rctx, "ROLLBACK"); err != nil {
		m.log.Error().Err(err).Str("kind", lease.Kind()).Msg("rollback failed, discarding connection")
		lease.Discard()
		return
	}
	lease.Release()
}

// Savepoint runs fn inside a savepoint of the enclosing transaction.
//
// When fn fails with a recoverable error the transaction is rolled back to
// the savepoint and the error is returned as recordErr (wrapped with
// ErrConstraintViolation for data errors). fatalErr is set when the
// transaction itself can no longer be trusted, including a failed rollback
// to the savepoint.
func (m *Manager) Savepoint(ctx context.Context, q Querier, name string, fn func(ctx context.Context) error) (recordErr, fatalErr error) {
	if _, err := q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint %s: %w: %w", name, ErrInfrastructure, err)
	}
	err := fn(ctx)
	if err == nil {
		if _, err := q.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return nil, fmt.Errorf("release savepoint %s: %w: %w", name, ErrInfrastructure, err)
		}
		return nil, nil
	}
	if IsInfrastructure(err) {
		return nil, err
	}
	if _, rbErr := q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
		return nil, fmt.Errorf("rollback to savepoint %s: %w: %w", name, ErrInfrastructure, rbErr)
	}
	if _, relErr := q.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
		return nil, fmt.Errorf("release savepoint %s: %w: %w", name, ErrInfrastructure, relErr)
	}
	if m.dialect.IsDataError(err) {
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err), nil
	}
	return err, nil
}
