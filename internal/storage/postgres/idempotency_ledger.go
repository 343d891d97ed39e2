package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// IdempotencyLedger stores request outcomes in idempotency_records. The
// primary key on key makes create-if-absent a single atomic insert.
type IdempotencyLedger struct {
	pool      *pgxpool.Pool
	clock     clock.Clock
	retention time.Duration
}

func NewIdempotencyLedger(pool *pgxpool.Pool, clk clock.Clock, retention time.Duration) *IdempotencyLedger {
	return &IdempotencyLedger{pool: pool, clock: clk, retention: retention}
}

// checkAttempts bounds the insert/read loop when a record expires or is
// abandoned between the two statements.
const checkAttempts = 3

func (l *IdempotencyLedger) Check(ctx context.Context, key, requestHash string) (domain.IdempotencyCheck, error) {
	for attempt := 0; attempt < checkAttempts; attempt++ {
		now := l.clock.Now()

		const insert = `
INSERT INTO idempotency_records (key, request_hash, status_code, created_at)
VALUES ($1, $2, 0, $3)
ON CONFLICT (key) DO NOTHING
RETURNING key`
		var inserted string
		err := l.pool.QueryRow(ctx, insert, key, requestHash, now).Scan(&inserted)
		if err == nil {
			return domain.IdempotencyCheck{State: domain.CheckNew}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.IdempotencyCheck{}, fmt.Errorf("insert idempotency record: %w", err)
		}

		rec, found, err := l.get(ctx, key)
		if err != nil {
			return domain.IdempotencyCheck{}, err
		}
		if !found {
			continue
		}
		if rec.Expired(now, l.retention) {
			const del = `DELETE FROM idempotency_records WHERE key = $1 AND created_at = $2`
			if _, err := l.pool.Exec(ctx, del, key, rec.CreatedAt); err != nil {
				return domain.IdempotencyCheck{}, fmt.Errorf("expire idempotency record: %w", err)
			}
			continue
		}
		return rec.Verdict(requestHash), nil
	}
	return domain.IdempotencyCheck{}, fmt.Errorf("idempotency record %q kept changing under check", key)
}

func (l *IdempotencyLedger) StoreOutcome(ctx context.Context, key string, status int, body []byte) error {
	const stmt = `
UPDATE idempotency_records
SET status_code = $2, response_body = $3
WHERE key = $1 AND status_code = 0`
	tag, err := l.pool.Exec(ctx, stmt, key, status, body)
	if err != nil {
		return fmt.Errorf("store idempotency outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOutcomeAlreadyStored
	}
	return nil
}

func (l *IdempotencyLedger) Abandon(ctx context.Context, key string) error {
	const stmt = `DELETE FROM idempotency_records WHERE key = $1 AND status_code = 0`
	if _, err := l.pool.Exec(ctx, stmt, key); err != nil {
		return fmt.Errorf("abandon idempotency record: %w", err)
	}
	return nil
}

func (l *IdempotencyLedger) get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	const query = `
SELECT key, request_hash, status_code, response_body, created_at
FROM idempotency_records
WHERE key = $1`
	var rec domain.IdempotencyRecord
	err := l.pool.QueryRow(ctx, query, key).
		Scan(&rec.Key, &rec.RequestHash, &rec.StatusCode, &rec.ResponseBody, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IdempotencyRecord{}, false, nil
		}
		return domain.IdempotencyRecord{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, true, nil
}
