package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/calendar"
	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
	"github.com/cimillas/delivery-slots/internal/testutil"
)

var repoTestNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestReservationRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	testutil.ApplyMigrations(t, context.Background(), pool)
	repo := NewReservationRepository(pool, time.Second)

	t.Run("GetOrderForUpdate and GetTimeBlockForUpdate", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		blockID := testutil.InsertTimeBlock(t, ctx, pool, "Morning", 3)
		orderID := testutil.InsertOrder(t, ctx, pool, "cust-1")

		err := repo.WithTx(ctx, func(txCtx context.Context) error {
			o, err := repo.GetOrderForUpdate(txCtx, orderID)
			require.NoError(t, err)
			assert.Equal(t, orderID, o.ID)
			assert.Equal(t, "cust-1", o.CustomerID)
			assert.False(t, o.Reserved())

			b, err := repo.GetTimeBlockForUpdate(txCtx, blockID)
			require.NoError(t, err)
			assert.Equal(t, 3, b.Capacity)
			assert.Equal(t, domain.TimeOfDay(540), b.StartTime)
			assert.True(t, b.OfferedOn(time.Sunday))

			_, err = repo.GetOrderForUpdate(txCtx, "00000000-0000-0000-0000-000000000001")
			assert.ErrorIs(t, err, domain.ErrOrderNotFound)
			return nil
		})
		require.NoError(t, err)

		_, err = repo.GetTimeBlockForUpdate(ctx, "00000000-0000-0000-0000-000000000002")
		assert.ErrorIs(t, err, domain.ErrTimeBlockNotFound)
		_, err = repo.GetOrderForUpdate(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, domain.ErrInvalidID)
	})

	t.Run("Set, count and clear reservation", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		blockID := testutil.InsertTimeBlock(t, ctx, pool, "Morning", 3)
		orderID := testutil.InsertOrder(t, ctx, pool, "cust-1")
		other := testutil.InsertOrder(t, ctx, pool, "cust-2")

		instant, err := calendar.ToCanonicalInstant("2024-06-01", "America/New_York")
		require.NoError(t, err)

		o, err := repo.SetReservation(ctx, orderID, domain.Reservation{TimeBlockID: blockID, DeliveryDate: instant, TimeZone: "America/New_York"})
		require.NoError(t, err)
		require.True(t, o.Reserved())
		assert.True(t, o.Reservation.DeliveryDate.Equal(instant))
		assert.Equal(t, "America/New_York", o.Reservation.TimeZone)

		n, err := repo.CountReservations(ctx, blockID, "2024-06-01", other)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// 04:00Z is May 31 in UTC, but the order was booked for June 1 in New York.
		n, err = repo.CountReservations(ctx, blockID, "2024-05-31", other)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = repo.CountReservations(ctx, blockID, "2024-06-01", orderID)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "the requesting order is excluded")

		o, err = repo.ClearReservation(ctx, orderID)
		require.NoError(t, err)
		assert.False(t, o.Reserved())

		n, err = repo.CountReservations(ctx, blockID, "2024-06-01", "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("locked block times out", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		blockID := testutil.InsertTimeBlock(t, ctx, pool, "Morning", 3)

		short := NewReservationRepository(pool, 100*time.Millisecond)

		locked := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- repo.WithTx(ctx, func(txCtx context.Context) error {
				if _, err := repo.GetTimeBlockForUpdate(txCtx, blockID); err != nil {
					return err
				}
				close(locked)
				<-release
				return nil
			})
		}()
		<-locked

		err := short.WithTx(ctx, func(txCtx context.Context) error {
			_, err := short.GetTimeBlockForUpdate(txCtx, blockID)
			return err
		})
		close(release)
		require.NoError(t, <-done)
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
	})
}

func TestReservationService_Postgres_ConcurrentCapacity(t *testing.T) {
	const (
		orders   = 20
		capacity = 5
	)
	pool := testutil.NewTestPool(t, testutil.WithMaxConns(orders+4))
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)

	blockID := testutil.InsertTimeBlock(t, ctx, pool, "Evening", capacity)
	ids := make([]string, orders)
	for i := range ids {
		ids[i] = testutil.InsertOrder(t, ctx, pool, fmt.Sprintf("cust-%d", i))
	}

	svc := app.NewReservationService(
		NewReservationRepository(pool, 3*time.Second),
		NewIdempotencyLedger(pool, clock.NewFixed(repoTestNow), 24*time.Hour),
		clock.NewFixed(repoTestNow),
	)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
		start    = make(chan struct{})
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := svc.Reserve(ctx, app.ReserveInput{
				OrderID: id, TimeBlockID: blockID, Date: "2024-06-01", TimeZone: "America/New_York", IdempotencyKey: "k-" + id,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrCapacityExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, capacity, ok)
	assert.Equal(t, orders-capacity, full)

	var reserved int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE slot_reserved AND time_block_id = $1`, blockID).Scan(&reserved))
	assert.Equal(t, capacity, reserved)

	// Replaying every key returns the first outcome without new writes.
	for _, id := range ids {
		_, err := svc.Reserve(ctx, app.ReserveInput{
			OrderID: id, TimeBlockID: blockID, Date: "2024-06-01", TimeZone: "America/New_York", IdempotencyKey: "k-" + id,
		})
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
		}
	}
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE slot_reserved AND time_block_id = $1`, blockID).Scan(&reserved))
	assert.Equal(t, capacity, reserved)
}

func TestReservationService_Postgres_CapacityAcrossZones(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)

	blockID := testutil.InsertTimeBlock(t, ctx, pool, "Morning", 1)
	ny := testutil.InsertOrder(t, ctx, pool, "cust-ny")
	la := testutil.InsertOrder(t, ctx, pool, "cust-la")

	svc := app.NewReservationService(
		NewReservationRepository(pool, 3*time.Second),
		NewIdempotencyLedger(pool, clock.NewFixed(repoTestNow), 24*time.Hour),
		clock.NewFixed(repoTestNow),
	)

	_, err := svc.Reserve(ctx, app.ReserveInput{OrderID: ny, TimeBlockID: blockID, Date: "2024-06-01", TimeZone: "America/New_York"})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, app.ReserveInput{OrderID: la, TimeBlockID: blockID, Date: "2024-06-01", TimeZone: "America/Los_Angeles"})
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	var reserved int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE slot_reserved AND time_block_id = $1`, blockID).Scan(&reserved))
	assert.Equal(t, 1, reserved)
}
