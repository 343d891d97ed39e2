package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/delivery-slots/internal/domain"
)

type txKey struct{}

// withTx runs fn in a transaction carried by the context. A positive
// lockTimeout bounds every row-lock wait inside it.
func withTx(ctx context.Context, pool *pgxpool.Pool, lockTimeout time.Duration, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapLockErr(err, "begin tx")
	}

	if lockTimeout > 0 {
		setting := fmt.Sprintf("%dms", lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, setting); err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return mapLockErr(err, "set lock_timeout")
		}
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapLockErr(err, "commit")
	}
	return nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// mapLockErr turns a lock wait that ran out (lock_timeout or the context
// deadline) into domain.ErrLockTimeout and wraps anything else.
func mapLockErr(err error, op string) error {
	if isLockNotAvailable(err) || isQueryCanceled(err) || pgconn.Timeout(err) {
		return domain.ErrLockTimeout
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

func isInvalidUUID(err error) bool {
	return hasCode(err, "22P02")
}

func isLockNotAvailable(err error) bool {
	return hasCode(err, "55P03")
}

// isQueryCanceled matches statement_timeout and server-side cancels sent
// when a context deadline fires mid-query.
func isQueryCanceled(err error) bool {
	return hasCode(err, "57014")
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
