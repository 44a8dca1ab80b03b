package store

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when another worker claimed the task first.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrNoTasks is returned by ClaimNext when nothing is claimable.
	ErrNoTasks = errors.New("no claimable tasks")

	// ErrInvalidStatus is returned when a conditional status update finds
	// the task in a status it may not move from.
	ErrInvalidStatus = errors.New("invalid task status for operation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// MySQL server error numbers worth retrying.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// IsBusy reports whether err is a transient lock conflict: SQLite BUSY or
// LOCKED, or a MySQL deadlock or lock wait timeout.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.BUSY || code == sqlite3.LOCKED
	}
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == mysqlDeadlock || merr.Number == mysqlLockWaitTimeout
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
