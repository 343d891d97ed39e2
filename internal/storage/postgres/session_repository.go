package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/delivery-slots/internal/clock"
)

// SessionRepository resolves a session token to the order it is working on.
type SessionRepository struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewSessionRepository(pool *pgxpool.Pool, clk clock.Clock) *SessionRepository {
	return &SessionRepository{pool: pool, clock: clk}
}

// ActiveOrderID returns "" for unknown or expired sessions and for sessions
// without an active order.
func (r *SessionRepository) ActiveOrderID(ctx context.Context, sessionToken string) (string, error) {
	const query = `
SELECT active_order_id
FROM sessions
WHERE token = $1 AND expires_at > $2`

	var active *string
	err := r.pool.QueryRow(ctx, query, sessionToken, r.clock.Now()).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get session: %w", err)
	}
	if active == nil {
		return "", nil
	}
	return *active, nil
}
