package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/delivery-slots/internal/domain"
)

// ReservationRepository implements app.ReservationRepository on the orders
// and time_blocks tables.
type ReservationRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewReservationRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *ReservationRepository {
	return &ReservationRepository{pool: pool, lockTimeout: lockTimeout}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, r.lockTimeout, fn)
}

// localDeliveryDate is the reserved calendar date in the zone the order was
// booked in. Both capacity counts compare against it.
const localDeliveryDate = `to_char(delivery_date AT TIME ZONE COALESCE(NULLIF(delivery_time_zone, ''), 'UTC'), 'YYYY-MM-DD')`

const orderColumns = `id, customer_id, slot_reserved, time_block_id, delivery_date, delivery_time_zone, updated_at`

func (r *ReservationRepository) GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	o, err := scanOrder(conn(ctx, r.pool).QueryRow(ctx, query, orderID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Order{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, mapLockErr(err, "get order")
	}
	return o, nil
}

func (r *ReservationRepository) GetTimeBlockForUpdate(ctx context.Context, timeBlockID string) (domain.TimeBlock, error) {
	query := `SELECT ` + timeBlockColumns + ` FROM time_blocks WHERE id = $1 FOR UPDATE`
	b, err := scanTimeBlock(conn(ctx, r.pool).QueryRow(ctx, query, timeBlockID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.TimeBlock{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TimeBlock{}, domain.ErrTimeBlockNotFound
		}
		return domain.TimeBlock{}, mapLockErr(err, "get time block")
	}
	return b, nil
}

func (r *ReservationRepository) CountReservations(ctx context.Context, timeBlockID, date, excludeOrderID string) (int, error) {
	query := `
SELECT COUNT(*)
FROM orders
WHERE slot_reserved
  AND time_block_id = $1
  AND ` + localDeliveryDate + ` = $2
  AND id::text <> $3`

	var n int
	if err := conn(ctx, r.pool).QueryRow(ctx, query, timeBlockID, date, excludeOrderID).Scan(&n); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, mapLockErr(err, "count reservations")
	}
	return n, nil
}

func (r *ReservationRepository) SetReservation(ctx context.Context, orderID string, res domain.Reservation) (domain.Order, error) {
	stmt := `
UPDATE orders
SET slot_reserved = TRUE,
    time_block_id = $2,
    delivery_date = $3,
    delivery_time_zone = $4,
    updated_at = NOW()
WHERE id = $1
RETURNING ` + orderColumns

	o, err := scanOrder(conn(ctx, r.pool).QueryRow(ctx, stmt, orderID, res.TimeBlockID, res.DeliveryDate.UTC(), res.TimeZone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, mapLockErr(err, "set reservation")
	}
	return o, nil
}

func (r *ReservationRepository) ClearReservation(ctx context.Context, orderID string) (domain.Order, error) {
	stmt := `
UPDATE orders
SET slot_reserved = FALSE,
    time_block_id = NULL,
    delivery_date = NULL,
    delivery_time_zone = NULL,
    updated_at = NOW()
WHERE id = $1
RETURNING ` + orderColumns

	o, err := scanOrder(conn(ctx, r.pool).QueryRow(ctx, stmt, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, mapLockErr(err, "clear reservation")
	}
	return o, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o            domain.Order
		reserved     bool
		timeBlockID  *string
		deliveryDate *time.Time
		zone         *string
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &reserved, &timeBlockID, &deliveryDate, &zone, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	if reserved && timeBlockID != nil && deliveryDate != nil {
		res := &domain.Reservation{TimeBlockID: *timeBlockID, DeliveryDate: deliveryDate.UTC()}
		if zone != nil {
			res.TimeZone = *zone
		}
		o.Reservation = res
	}
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
