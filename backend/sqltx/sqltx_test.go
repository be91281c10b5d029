package sqltx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/persistflow/persistflow/internal/wferrors"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func fastOptions() *Options {
	opts := DefaultOptions
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	return &opts
}

func Test_Run_CommitsOnSuccess(t *testing.T) {
	db := testDB(t)

	err := Run(context.Background(), db, fastOptions(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO t (v) VALUES (?)", "a")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	require.Equal(t, 1, count)
}

func Test_Run_RollsBackOnError(t *testing.T) {
	db := testDB(t)

	boom := errors.New("boom")
	err := Run(context.Background(), db, fastOptions(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO t (v) VALUES (?)", "a"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	require.Equal(t, 0, count)
}

func Test_Run_RetriesTransientFailures(t *testing.T) {
	db := testDB(t)

	attempts := 0
	err := Run(context.Background(), db, fastOptions(), func(tx *sql.Tx) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky connection: %w", driver.ErrBadConn)
		}

		_, err := tx.Exec("INSERT INTO t (v) VALUES (?)", "a")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	// Only the committed attempt is visible
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	require.Equal(t, 1, count)
}

func Test_Run_ExhaustedRetriesSurfaceAsPersistenceError(t *testing.T) {
	db := testDB(t)

	opts := fastOptions()
	opts.MaxAttempts = 3

	attempts := 0
	err := Run(context.Background(), db, opts, func(tx *sql.Tx) error {
		attempts++
		return fmt.Errorf("flaky connection: %w", driver.ErrBadConn)
	})

	var pe *wferrors.PersistenceError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 3, pe.Attempts)
	require.Equal(t, 3, attempts)
}

func Test_Run_DoesNotRetryPermanentErrors(t *testing.T) {
	db := testDB(t)

	attempts := 0
	err := Run(context.Background(), db, fastOptions(), func(tx *sql.Tx) error {
		attempts++
		_, err := tx.Exec("INSERT INTO t (id, v) VALUES (1, 'a')")
		if err != nil {
			return err
		}

		// Violates the primary key, a data error that must not be retried
		_, err = tx.Exec("INSERT INTO t (id, v) VALUES (1, 'b')")
		return err
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func Test_Run_InitializerRunsOnEveryAcquire(t *testing.T) {
	db := testDB(t)

	acquired := 0
	opts := fastOptions()
	opts.Initializers = []ConnectionInitializer{
		InitializerFunc(func(ctx context.Context, conn *sql.Conn) error {
			acquired++
			return nil
		}),
	}

	attempts := 0
	err := Run(context.Background(), db, opts, func(tx *sql.Tx) error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("flaky connection: %w", driver.ErrBadConn)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, acquired)
}

func Test_Run_InitializerFailureReleasesConnection(t *testing.T) {
	db := testDB(t)

	boom := errors.New("session setup failed")
	opts := fastOptions()
	opts.Initializers = []ConnectionInitializer{
		InitializerFunc(func(ctx context.Context, conn *sql.Conn) error {
			return boom
		}),
	}

	err := Run(context.Background(), db, opts, func(tx *sql.Tx) error {
		t.Fatal("unit of work must not run when initialization fails")
		return nil
	})
	require.ErrorIs(t, err, boom)

	// The pool has a single connection; a leaked one would make this hang.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	conn.Close()
}

func Test_Transient(t *testing.T) {
	require.True(t, Transient(driver.ErrBadConn))
	require.True(t, Transient(fmt.Errorf("wrapped: %w", driver.ErrBadConn)))
	require.False(t, Transient(nil))
	require.False(t, Transient(errors.New("constraint violation")))
}
