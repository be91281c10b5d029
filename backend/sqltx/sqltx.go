// Package sqltx runs units of database work inside retried transactions.
//
// A unit of work is executed against a scoped connection inside a
// transaction. Transient failures (lock contention, deadlocks, lost
// connections) retry the whole acquire+execute+commit sequence with
// exponential backoff; all other failures propagate immediately. The scoped
// connection is released on every exit path.
package sqltx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	sqlitelib "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/persistflow/persistflow/internal/log"
	"github.com/persistflow/persistflow/internal/wferrors"
)

// ConnectionInitializer customizes a connection when it is acquired, for
// example to apply vendor-specific session settings. Initializers are
// composed by configuration, one per backend or vendor concern.
type ConnectionInitializer interface {
	OnAcquire(ctx context.Context, conn *sql.Conn) error
}

// InitializerFunc adapts a function to the ConnectionInitializer interface.
type InitializerFunc func(ctx context.Context, conn *sql.Conn) error

func (f InitializerFunc) OnAcquire(ctx context.Context, conn *sql.Conn) error {
	return f(ctx, conn)
}

type Options struct {
	// MaxAttempts bounds how often a unit of work is attempted, including
	// the first attempt.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Initializers run against every acquired connection, in order.
	Initializers []ConnectionInitializer

	Logger *slog.Logger
}

var DefaultOptions = Options{
	MaxAttempts:    5,
	InitialBackoff: 20 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// Run executes fn inside a transaction on a scoped connection.
//
// On a nil return, fn executed to completion exactly once and its effects
// are committed. On a non-nil return, nothing is committed: transient
// failures are retried up to MaxAttempts and then surfaced as a
// *wferrors.PersistenceError; other failures propagate immediately.
func Run(ctx context.Context, db *sql.DB, opts *Options, fn func(tx *sql.Tx) error) error {
	if opts == nil {
		opts = &DefaultOptions
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0

	operation := func() error {
		attempts++

		err := runOnce(ctx, db, opts, fn)
		if err == nil {
			return nil
		}

		if !Transient(err) {
			return backoff.Permanent(err)
		}

		if opts.Logger != nil {
			opts.Logger.DebugContext(ctx, "retrying transaction after transient failure",
				log.AttemptKey, attempts,
				log.ErrorKey, err)
		}

		return err
	}

	policy := backoff.NewExponentialBackOff()
	if opts.InitialBackoff > 0 {
		policy.InitialInterval = opts.InitialBackoff
	}
	if opts.MaxBackoff > 0 {
		policy.MaxInterval = opts.MaxBackoff
	}

	err := backoff.Retry(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx),
	)
	if err == nil {
		return nil
	}

	if Transient(err) {
		return &wferrors.PersistenceError{Attempts: attempts, Cause: err}
	}

	return err
}

func runOnce(ctx context.Context, db *sql.DB, opts *Options, fn func(tx *sql.Tx) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	for _, init := range opts.Initializers {
		if err := init.OnAcquire(ctx, conn); err != nil {
			return fmt.Errorf("initializing connection: %w", err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Transient reports whether the given error is worth retrying: lock
// contention, deadlocks and connectivity loss are; constraint violations and
// other data errors are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sqliteErr *sqlitelib.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return true
		}
		return false
	}

	return false
}
