package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cimillas/delivery-slots/internal/calendar"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// memStore is an in-memory ReservationRepository. Row locks are one-slot
// channels held until the transaction ends; writes are applied at commit.
// A lock wait gives up with ctx.Err() like pgx does when the context ends.
type memStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	blocks map[string]domain.TimeBlock
	locks  map[string]chan struct{}
	now    time.Time

	setCalls   atomic.Int32
	clearCalls atomic.Int32
	countCalls atomic.Int32
	// lockHook runs after each row lock is taken.
	lockHook func(key string)
}

type memTxKey struct{}

type memTx struct {
	held    []chan struct{}
	pending map[string]*domain.Reservation
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[string]domain.Order{},
		blocks: map[string]domain.TimeBlock{},
		locks:  map[string]chan struct{}{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) addOrder(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id] = domain.Order{ID: id, CustomerID: "cust-" + id}
}

func (s *memStore) addBlock(b domain.TimeBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.ID] = b
}

func (s *memStore) order(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) reservedCount(blockID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.Reservation != nil && o.Reservation.TimeBlockID == blockID {
			n++
		}
	}
	return n
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := &memTx{pending: map[string]*domain.Reservation{}}
	defer func() {
		for _, ch := range tx.held {
			<-ch
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	for id, r := range tx.pending {
		o := s.orders[id]
		o.Reservation = r
		o.UpdatedAt = s.now
		s.orders[id] = o
	}
	s.mu.Unlock()
	return nil
}

func (s *memStore) lock(ctx context.Context, key string) error {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx == nil {
		panic("row lock outside transaction")
	}
	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		tx.held = append(tx.held, ch)
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.lockHook != nil {
		s.lockHook(key)
	}
	return nil
}

func (s *memStore) GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	_, ok := s.orders[orderID]
	s.mu.Unlock()
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err := s.lock(ctx, "order:"+orderID); err != nil {
		return domain.Order{}, err
	}
	return s.order(orderID), nil
}

func (s *memStore) GetTimeBlockForUpdate(ctx context.Context, timeBlockID string) (domain.TimeBlock, error) {
	s.mu.Lock()
	b, ok := s.blocks[timeBlockID]
	s.mu.Unlock()
	if !ok {
		return domain.TimeBlock{}, domain.ErrTimeBlockNotFound
	}
	if err := s.lock(ctx, "block:"+timeBlockID); err != nil {
		return domain.TimeBlock{}, err
	}
	return b, nil
}

func (s *memStore) CountReservations(ctx context.Context, timeBlockID, date, excludeOrderID string) (int, error) {
	s.countCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		r := o.Reservation
		if id == excludeOrderID || r == nil || r.TimeBlockID != timeBlockID {
			continue
		}
		got, err := calendar.ToComparableDateString(r.DeliveryDate, r.TimeZone)
		if err != nil {
			return 0, err
		}
		if got == date {
			n++
		}
	}
	return n, nil
}

func (s *memStore) SetReservation(ctx context.Context, orderID string, r domain.Reservation) (domain.Order, error) {
	s.setCalls.Add(1)
	tx := ctx.Value(memTxKey{}).(*memTx)
	tx.pending[orderID] = &r
	o := s.order(orderID)
	o.Reservation = &r
	o.UpdatedAt = s.now
	return o, nil
}

func (s *memStore) ClearReservation(ctx context.Context, orderID string) (domain.Order, error) {
	s.clearCalls.Add(1)
	tx := ctx.Value(memTxKey{}).(*memTx)
	tx.pending[orderID] = nil
	o := s.order(orderID)
	o.Reservation = nil
	o.UpdatedAt = s.now
	return o, nil
}

// memLedger is an in-memory IdempotencyLedger.
type memLedger struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord

	checkErr  error
	storeErr  error
	abandoned []string
	stored    int
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[string]domain.IdempotencyRecord{}}
}

func (l *memLedger) Check(ctx context.Context, key, requestHash string) (domain.IdempotencyCheck, error) {
	if l.checkErr != nil {
		return domain.IdempotencyCheck{}, l.checkErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		l.records[key] = domain.IdempotencyRecord{Key: key, RequestHash: requestHash}
		return domain.IdempotencyCheck{State: domain.CheckNew}, nil
	}
	return rec.Verdict(requestHash), nil
}

func (l *memLedger) StoreOutcome(ctx context.Context, key string, status int, body []byte) error {
	if l.storeErr != nil {
		return l.storeErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok || !rec.InFlight() {
		return domain.ErrOutcomeAlreadyStored
	}
	rec.StatusCode = status
	rec.ResponseBody = append([]byte(nil), body...)
	l.records[key] = rec
	l.stored++
	return nil
}

func (l *memLedger) Abandon(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok && rec.InFlight() {
		delete(l.records, key)
	}
	l.abandoned = append(l.abandoned, key)
	return nil
}

func (l *memLedger) record(key string) (domain.IdempotencyRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	return rec, ok
}

// countingAvailabilityRepo counts repository round-trips.
type countingAvailabilityRepo struct {
	blocks []domain.TimeBlock
	counts map[string]int
	calls  int
	// lastIDs is the id list passed to the grouped count.
	lastIDs []string
}

func (r *countingAvailabilityRepo) ListTimeBlocks(ctx context.Context) ([]domain.TimeBlock, error) {
	r.calls++
	return r.blocks, nil
}

func (r *countingAvailabilityRepo) CountReservationsByBlock(ctx context.Context, blockIDs []string, date string) (map[string]int, error) {
	r.calls++
	r.lastIDs = append([]string(nil), blockIDs...)
	out := make(map[string]int, len(blockIDs))
	for _, id := range blockIDs {
		if n, ok := r.counts[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type stubResolver struct {
	active map[string]string
	err    error
}

func (r stubResolver) ActiveOrderID(ctx context.Context, token string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.active[token], nil
}

func everyDay() domain.WeekdaySet {
	return domain.NewWeekdaySet(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)
}

func block(id string, capacity int) domain.TimeBlock {
	return domain.TimeBlock{
		ID:           id,
		Name:         "Block " + id,
		StartTime:    9 * 60,
		EndTime:      12 * 60,
		Capacity:     capacity,
		CurrencyCode: "USD",
		Weekdays:     everyDay(),
	}
}
