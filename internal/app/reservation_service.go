package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/calendar"
	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// ReservationRepository is the transactional store behind the coordinator.
// The *ForUpdate methods take exclusive row locks held until the transaction ends.
type ReservationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	GetTimeBlockForUpdate(ctx context.Context, timeBlockID string) (domain.TimeBlock, error)
	// CountReservations counts active reservations on the block whose delivery
	// date, read in the zone each was booked in, is date. excludeOrderID is
	// ignored.
	CountReservations(ctx context.Context, timeBlockID, date, excludeOrderID string) (int, error)
	SetReservation(ctx context.Context, orderID string, r domain.Reservation) (domain.Order, error)
	ClearReservation(ctx context.Context, orderID string) (domain.Order, error)
}

// IdempotencyLedger records the outcome of client-keyed mutations.
type IdempotencyLedger interface {
	// Check atomically creates an in-flight record for an unseen key.
	Check(ctx context.Context, key, requestHash string) (domain.IdempotencyCheck, error)
	// StoreOutcome writes the terminal outcome once; a second write is
	// domain.ErrOutcomeAlreadyStored.
	StoreOutcome(ctx context.Context, key string, status int, body []byte) error
	// Abandon drops an in-flight record so the key can be retried from scratch.
	Abandon(ctx context.Context, key string) error
}

type ReservationService struct {
	repo      ReservationRepository
	ledger    IdempotencyLedger
	clock     clock.Clock
	schedule  SchedulePolicy
	txTimeout time.Duration
	logger    *zap.Logger
}

const defaultTxTimeout = 5 * time.Second

type ReservationOption func(*ReservationService)

// WithTxTimeout bounds how long a reservation transaction, lock wait included, may run.
func WithTxTimeout(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

func WithReservationSchedule(p SchedulePolicy) ReservationOption {
	return func(s *ReservationService) {
		s.schedule = p
	}
}

func WithReservationLogger(l *zap.Logger) ReservationOption {
	return func(s *ReservationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewReservationService(repo ReservationRepository, ledger IdempotencyLedger, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	svc := &ReservationService{
		repo:      repo,
		ledger:    ledger,
		clock:     clk,
		txTimeout: defaultTxTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ReserveInput struct {
	OrderID     string
	TimeBlockID string
	Date        string
	// TimeZone is an IANA name; empty means UTC.
	TimeZone       string
	IdempotencyKey string
	// RequestHash is computed from the other fields when empty.
	RequestHash string
}

func normalizeZone(zone string) string {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return "UTC"
	}
	return zone
}

// Reserve assigns the time block on date to the order, or fails with a typed
// error. With an idempotency key, a repeated call replays the first outcome.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (domain.Order, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.TimeBlockID = strings.TrimSpace(in.TimeBlockID)
	in.Date = strings.TrimSpace(in.Date)
	in.TimeZone = normalizeZone(in.TimeZone)
	if in.OrderID == "" || in.TimeBlockID == "" {
		return domain.Order{}, domain.ErrInvalidID
	}
	deliveryDate, err := calendar.ToCanonicalInstant(in.Date, in.TimeZone)
	if err != nil {
		return domain.Order{}, err
	}

	if in.IdempotencyKey == "" {
		return s.reserve(ctx, in, deliveryDate)
	}

	hash := in.RequestHash
	if hash == "" {
		hash = HashReserveInput(in)
	}
	check, err := s.ledger.Check(ctx, in.IdempotencyKey, hash)
	if err != nil {
		return domain.Order{}, fmt.Errorf("check idempotency: %w", err)
	}
	switch check.State {
	case domain.CheckInFlight:
		return domain.Order{}, domain.ErrProcessing
	case domain.CheckCompleted:
		s.logger.Debug("replaying stored reservation outcome",
			zap.String("idempotency_key", in.IdempotencyKey),
			zap.Int("status", check.StatusCode),
		)
		return decodeOutcome(check.StatusCode, check.Body)
	}

	order, err := s.reserve(ctx, in, deliveryDate)
	s.finish(ctx, in.IdempotencyKey, order, err)
	return order, err
}

func (s *ReservationService) reserve(ctx context.Context, in ReserveInput, deliveryDate time.Time) (domain.Order, error) {
	if err := s.schedule.CheckDate(s.clock.Now(), in.Date, in.TimeZone); err != nil {
		return domain.Order{}, err
	}
	weekday, err := calendar.Weekday(in.Date)
	if err != nil {
		return domain.Order{}, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var result domain.Order
	err = s.repo.WithTx(txCtx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, in.OrderID)
		if err != nil {
			return err
		}
		if r := order.Reservation; r != nil && r.TimeBlockID == in.TimeBlockID && r.DeliveryDate.Equal(deliveryDate) {
			result = order
			return nil
		}

		block, err := s.repo.GetTimeBlockForUpdate(txCtx, in.TimeBlockID)
		if err != nil {
			return err
		}
		if !block.OfferedOn(weekday) {
			return domain.ErrTimeBlockUnavailable
		}

		count, err := s.repo.CountReservations(txCtx, block.ID, in.Date, order.ID)
		if err != nil {
			return err
		}
		if count >= block.Capacity {
			return &domain.CapacityExceededError{Count: count, Capacity: block.Capacity}
		}

		if prev := order.Reservation; prev != nil {
			s.logger.Info("moving order reservation",
				zap.String("order_id", order.ID),
				zap.String("from_time_block_id", prev.TimeBlockID),
				zap.Time("from_delivery_date", prev.DeliveryDate),
				zap.String("to_time_block_id", block.ID),
				zap.Time("to_delivery_date", deliveryDate),
			)
		}

		updated, err := s.repo.SetReservation(txCtx, order.ID, domain.Reservation{
			TimeBlockID:  block.ID,
			DeliveryDate: deliveryDate,
			TimeZone:     in.TimeZone,
		})
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return domain.Order{}, lockTimeoutOr(ctx, txCtx, err)
	}
	return result, nil
}

// Release clears the order's reservation. Releasing an order with no
// reservation succeeds without changes.
func (s *ReservationService) Release(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidID
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var result domain.Order
	err := s.repo.WithTx(txCtx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if !order.Reserved() {
			result = order
			return nil
		}
		updated, err := s.repo.ClearReservation(txCtx, orderID)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return domain.Order{}, lockTimeoutOr(ctx, txCtx, err)
	}
	return result, nil
}

// finish records the outcome for an idempotency key. Outcomes that depend on
// data the client may fix or on infrastructure faults are abandoned instead.
func (s *ReservationService) finish(ctx context.Context, key string, order domain.Order, err error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With(zap.String("idempotency_key", key))

	if !recordable(err) {
		if aErr := s.ledger.Abandon(ctx, key); aErr != nil {
			log.Error("abandon idempotency record", zap.Error(aErr))
		}
		return
	}

	status, body, encErr := encodeOutcome(order, err)
	if encErr != nil {
		log.Error("encode reservation outcome", zap.Error(encErr))
		if aErr := s.ledger.Abandon(ctx, key); aErr != nil {
			log.Error("abandon idempotency record", zap.Error(aErr))
		}
		return
	}
	if sErr := s.ledger.StoreOutcome(ctx, key, status, body); sErr != nil {
		if errors.Is(sErr, domain.ErrOutcomeAlreadyStored) {
			log.Error("idempotency outcome stored twice", zap.Int("status", status))
			return
		}
		log.Error("store idempotency outcome", zap.Error(sErr), zap.Int("status", status))
	}
}

func recordable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, domain.ErrCapacityExceeded) ||
		errors.Is(err, domain.ErrLockTimeout) ||
		errors.Is(err, domain.ErrDateUnavailable) ||
		errors.Is(err, domain.ErrTimeBlockUnavailable)
}

func lockTimeoutOr(parent, txCtx context.Context, err error) error {
	if errors.Is(err, domain.ErrLockTimeout) {
		return domain.ErrLockTimeout
	}
	if errors.Is(txCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return domain.ErrLockTimeout
	}
	return err
}
