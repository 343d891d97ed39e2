package domain

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden             = errors.New("forbidden")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrOrderNotFound         = errors.New("order not found")
	ErrTimeBlockNotFound     = errors.New("time block not found")
	ErrTimeBlockUnavailable  = errors.New("time block not offered on this date")
	ErrCapacityExceeded      = errors.New("capacity exceeded")
	ErrProcessing            = errors.New("request is still processing")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrOutcomeAlreadyStored  = errors.New("idempotency outcome already stored")
	ErrInvalidTimeZone       = errors.New("invalid time zone")
	ErrInvalidDate           = errors.New("invalid date")
	ErrDateUnavailable       = errors.New("date not available for delivery")
	ErrLockTimeout           = errors.New("timed out waiting for time block lock")
	ErrInvalidID             = errors.New("invalid id")
	ErrTimeBlockNameRequired = errors.New("time block name required")
	ErrInvalidCapacity       = errors.New("invalid capacity")
	ErrInvalidTimeRange      = errors.New("start time must be before end time")
	ErrInvalidTimeOfDay      = errors.New("invalid time of day")
	ErrWeekdaysRequired      = errors.New("at least one weekday required")
	ErrInvalidWeekday        = errors.New("invalid weekday")
	ErrInvalidCurrency       = errors.New("invalid currency code")
	ErrInvalidFee            = errors.New("invalid fee")
)

// CapacityExceededError carries the count observed under the block lock.
type CapacityExceededError struct {
	Count    int
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d of %d slots taken", e.Count, e.Capacity)
}

func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// Kind is the machine-readable name of an error, stable across the wire.
type Kind string

const (
	KindForbidden            Kind = "forbidden"
	KindUnauthenticated      Kind = "unauthenticated"
	KindOrderNotFound        Kind = "order_not_found"
	KindTimeBlockNotFound    Kind = "time_block_not_found"
	KindTimeBlockUnavailable Kind = "time_block_unavailable"
	KindCapacityExceeded     Kind = "capacity_exceeded"
	KindProcessing           Kind = "processing"
	KindIdempotencyConflict  Kind = "idempotency_conflict"
	KindInvalidTimeZone      Kind = "invalid_time_zone"
	KindInvalidDate          Kind = "invalid_date"
	KindDateUnavailable      Kind = "date_unavailable"
	KindLockTimeout          Kind = "lock_timeout"
	KindInvalidID            Kind = "invalid_id"
	KindInvalidTimeBlock     Kind = "invalid_time_block"
	KindInternal             Kind = "internal_error"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrForbidden, KindForbidden},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrOrderNotFound, KindOrderNotFound},
	{ErrTimeBlockNotFound, KindTimeBlockNotFound},
	{ErrTimeBlockUnavailable, KindTimeBlockUnavailable},
	{ErrCapacityExceeded, KindCapacityExceeded},
	{ErrProcessing, KindProcessing},
	{ErrIdempotencyConflict, KindIdempotencyConflict},
	{ErrInvalidTimeZone, KindInvalidTimeZone},
	{ErrInvalidDate, KindInvalidDate},
	{ErrDateUnavailable, KindDateUnavailable},
	{ErrLockTimeout, KindLockTimeout},
	{ErrInvalidID, KindInvalidID},
	{ErrTimeBlockNameRequired, KindInvalidTimeBlock},
	{ErrInvalidCapacity, KindInvalidTimeBlock},
	{ErrInvalidTimeRange, KindInvalidTimeBlock},
	{ErrInvalidTimeOfDay, KindInvalidTimeBlock},
	{ErrWeekdaysRequired, KindInvalidTimeBlock},
	{ErrInvalidWeekday, KindInvalidTimeBlock},
	{ErrInvalidCurrency, KindInvalidTimeBlock},
	{ErrInvalidFee, KindInvalidTimeBlock},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ErrorForKind returns the first sentinel registered for kind, or nil.
func ErrorForKind(kind Kind) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
