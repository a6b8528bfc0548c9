package internal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Read runs fn outside of a transaction, e.g. for a single SELECT.
// Read recovers from panics in fn and returns them as errors.
func Read(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
		}
	}()
	return fn(ctx)
}

// ReadWithRetryBackoff is like Read but calls fn again, waiting as
// told by b, while retryable reports true for the returned error.
func ReadWithRetryBackoff(ctx context.Context, fn func(context.Context) error, retryable func(error) bool, b backoff.BackOff) error {
	return retry(ctx, func() error { return Read(ctx, fn) }, retryable, b)
}

// RunInTx runs fn in a database transaction.
// The context ctx is passed to fn, as well as the newly created
// transaction.
//
// There are a few rules that fn must respect:
//
//  1. fn must use the passed tx reference for all database calls.
//  2. fn must not commit or rollback the transaction: RunInTx does that.
//  3. fn must be idempotent, i.e. it may be called several times
//     without side effects.
//
// If fn returns nil, RunInTx commits the transaction and returns the
// result of Commit. Otherwise it rolls back and returns the error of fn.
//
// RunInTx also recovers from panics, e.g. in fn.
func RunInTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunInTxWithRetryBackoff is like RunInTx but starts over with a new
// transaction, waiting as told by b, while retryable reports true for
// the returned error.
func RunInTxWithRetryBackoff(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool, b backoff.BackOff) error {
	return retry(ctx, func() error { return RunInTx(ctx, db, fn) }, retryable, b)
}

// retry calls op until it succeeds, fails with an error that is not
// retryable, b stops, or ctx is done. It returns the last error of op.
func retry(ctx context.Context, op func() error, retryable func(error) bool, b backoff.BackOff) error {
	b.Reset()
	for {
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
