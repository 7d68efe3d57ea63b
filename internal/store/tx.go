package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrStaleState is returned when a conditional update finds the row in a
	// different state than the caller expected.
	ErrStaleState = errors.New("row state changed concurrently")
	// ErrWatermarkConflict is returned when a watermark version check fails.
	ErrWatermarkConflict = errors.New("watermark was advanced concurrently")
)

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// RunTx runs fn in a transaction on db. The transaction is rolled back when
// fn fails and retried when SQLite reports the database as busy.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(busyRetries, retry.NewExponential(busyBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := runTxOnce(ctx, db, fn)
		if isBusyError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusyError(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func IsUniqueConstraintError(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStaleState
	}
	return nil
}
