package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a device or progress row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRepositoryUnavailable marks failures to reach the store at all, as
	// opposed to a query the store rejected.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)

// wrapErr turns a GORM error into the package's error vocabulary.
func wrapErr(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if isUnavailable(err) {
		return fmt.Errorf("failed to %s: %w: %w", action, ErrRepositoryUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// isUnavailable reports connection-level failures.
// Learning: pgx surfaces dial/auth failures as *pgconn.ConnectError and
// timeouts through pgconn.Timeout; database/sql adds its own closed-pool errors.
func isUnavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// database/sql does not export its closed-pool error
	return strings.Contains(err.Error(), "sql: database is closed")
}
