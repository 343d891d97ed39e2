package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/delivery-slots/internal/domain"
)

// TimeBlockRepository serves the admin collaborator and the availability reader.
// None of its reads take locks.
type TimeBlockRepository struct {
	pool *pgxpool.Pool
}

func NewTimeBlockRepository(pool *pgxpool.Pool) *TimeBlockRepository {
	return &TimeBlockRepository{pool: pool}
}

const timeBlockColumns = `id, name, start_minute, end_minute, capacity, fee_minor, currency_code, weekdays`

func (r *TimeBlockRepository) CreateTimeBlock(ctx context.Context, b domain.TimeBlock) error {
	const stmt = `
INSERT INTO time_blocks (id, name, start_minute, end_minute, capacity, fee_minor, currency_code, weekdays)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := conn(ctx, r.pool).Exec(ctx, stmt,
		b.ID,
		b.Name,
		int(b.StartTime),
		int(b.EndTime),
		b.Capacity,
		b.FeeMinor,
		b.CurrencyCode,
		weekdaysToArray(b.Weekdays),
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create time block: %w", err)
	}
	return nil
}

func (r *TimeBlockRepository) ListTimeBlocks(ctx context.Context) ([]domain.TimeBlock, error) {
	query := `SELECT ` + timeBlockColumns + ` FROM time_blocks ORDER BY start_minute ASC, id ASC`
	rows, err := conn(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list time blocks: %w", err)
	}
	defer rows.Close()

	blocks := []domain.TimeBlock{}
	for rows.Next() {
		b, err := scanTimeBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan time block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate time blocks: %w", rows.Err())
	}
	return blocks, nil
}

// CountReservationsByBlock counts active reservations for all of blockIDs on
// one local date with a single grouped query. Blocks with no reservations are
// absent from the result.
func (r *TimeBlockRepository) CountReservationsByBlock(ctx context.Context, blockIDs []string, date string) (map[string]int, error) {
	counts := make(map[string]int, len(blockIDs))
	if len(blockIDs) == 0 {
		return counts, nil
	}

	query := `
SELECT time_block_id, COUNT(*)
FROM orders
WHERE slot_reserved
  AND time_block_id = ANY($1::uuid[])
  AND ` + localDeliveryDate + ` = $2
GROUP BY time_block_id`

	rows, err := conn(ctx, r.pool).Query(ctx, query, blockIDs, date)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("count reservations by block: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan reservation count: %w", err)
		}
		counts[id] = n
	}
	if rows.Err() != nil {
		if isInvalidUUID(rows.Err()) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("iterate reservation counts: %w", rows.Err())
	}
	return counts, nil
}

func scanTimeBlock(row pgx.Row) (domain.TimeBlock, error) {
	var (
		b          domain.TimeBlock
		start, end int
		weekdays   []int16
	)
	if err := row.Scan(&b.ID, &b.Name, &start, &end, &b.Capacity, &b.FeeMinor, &b.CurrencyCode, &weekdays); err != nil {
		return domain.TimeBlock{}, err
	}
	b.StartTime = domain.TimeOfDay(start)
	b.EndTime = domain.TimeOfDay(end)
	days := make([]int, len(weekdays))
	for i, d := range weekdays {
		days[i] = int(d)
	}
	set, err := domain.WeekdaySetFromInts(days)
	if err != nil {
		return domain.TimeBlock{}, fmt.Errorf("time block %s weekdays: %w", b.ID, err)
	}
	b.Weekdays = set
	return b, nil
}

func weekdaysToArray(s domain.WeekdaySet) []int16 {
	ints := s.Ints()
	out := make([]int16, len(ints))
	for i, d := range ints {
		out[i] = int16(d)
	}
	return out
}
