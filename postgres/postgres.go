// Package postgres implements the queue substrate's durable stores on
// PostgreSQL: the outbox and inbox work queues, the join store, and a
// fenced lease factory. All mutation runs in transactions; claims use
// FOR UPDATE SKIP LOCKED so concurrent claimers never collide nor block.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	txRetryAttempts = 3
	cleanupBatch    = 500
)

// Querier is the subset of pgx shared by pools and transactions. Enqueue
// variants accept it so an insert can join a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isRetryable matches serialization failures and deadlocks, which are
// transient by contract.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withTx runs fn in a transaction, retrying bounded times on deadlock or
// serialization failure. fn must be safe to re-run from scratch.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	var last error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) {
				last = err
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				last = err
				continue
			}
			return err
		}
		return nil
	}
	return last
}
