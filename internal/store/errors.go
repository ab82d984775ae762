package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
)

var (
	// ErrResourceExhausted is returned when no connection could be acquired in time.
	ErrResourceExhausted = errors.New("connection pool exhausted")
	// ErrAlreadyReconnecting is returned by fail-fast dedicated acquisition while a reconnect is in flight.
	ErrAlreadyReconnecting = errors.New("dedicated connection is already reconnecting")
	// ErrTransactionAlreadyActive is returned when a transaction is started from inside another one.
	ErrTransactionAlreadyActive = errors.New("transaction already active")
	// ErrDraining is returned once Drain has started.
	ErrDraining = errors.New("connection manager is draining")
	// ErrDrainForced is returned by Drain when in-flight work outlived the grace period.
	ErrDrainForced = errors.New("drain grace period elapsed; in-flight work cancelled")
	// ErrInfrastructure marks connection or transport failures that abort a whole unit of work.
	ErrInfrastructure = errors.New("database infrastructure failure")
	// ErrConstraintViolation marks a statement rejected by a constraint or bad data.
	ErrConstraintViolation = errors.New("constraint violation")
)

// IsInfrastructure reports whether err comes from the connection or transport rather than the data.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInfrastructure) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
