package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cimillas/delivery-slots/internal/domain"
)

// StatusFor maps an error to the HTTP-like status stored in the ledger and
// written by the transport layer.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch domain.KindOf(err) {
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindOrderNotFound, domain.KindTimeBlockNotFound:
		return http.StatusNotFound
	case domain.KindCapacityExceeded, domain.KindIdempotencyConflict:
		return http.StatusConflict
	case domain.KindProcessing:
		return http.StatusAccepted
	case domain.KindInvalidTimeZone, domain.KindInvalidDate, domain.KindInvalidID, domain.KindInvalidTimeBlock:
		return http.StatusBadRequest
	case domain.KindDateUnavailable, domain.KindTimeBlockUnavailable:
		return http.StatusUnprocessableEntity
	case domain.KindLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type outcomeReservation struct {
	TimeBlockID  string    `json:"time_block_id"`
	DeliveryDate time.Time `json:"delivery_date"`
	TimeZone     string    `json:"time_zone"`
}

type outcomeOrder struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customer_id"`
	Reservation *outcomeReservation `json:"reservation,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type outcomeError struct {
	Error    string      `json:"error"`
	Code     domain.Kind `json:"code"`
	Count    *int        `json:"count,omitempty"`
	Capacity *int        `json:"capacity,omitempty"`
}

func encodeOutcome(order domain.Order, err error) (int, []byte, error) {
	if err == nil {
		body, mErr := json.Marshal(toOutcomeOrder(order))
		return http.StatusOK, body, mErr
	}

	payload := outcomeError{Error: err.Error(), Code: domain.KindOf(err)}
	var capErr *domain.CapacityExceededError
	if errors.As(err, &capErr) {
		payload.Count = &capErr.Count
		payload.Capacity = &capErr.Capacity
	}
	body, mErr := json.Marshal(payload)
	return StatusFor(err), body, mErr
}

// decodeOutcome turns a stored ledger outcome back into what Reserve returned
// the first time.
func decodeOutcome(status int, body []byte) (domain.Order, error) {
	if status == http.StatusOK {
		var o outcomeOrder
		if err := json.Unmarshal(body, &o); err != nil {
			return domain.Order{}, fmt.Errorf("decode stored order: %w", err)
		}
		return fromOutcomeOrder(o), nil
	}

	var e outcomeError
	if err := json.Unmarshal(body, &e); err != nil {
		return domain.Order{}, fmt.Errorf("decode stored error (status %d): %w", status, err)
	}
	if e.Code == domain.KindCapacityExceeded && e.Count != nil && e.Capacity != nil {
		return domain.Order{}, &domain.CapacityExceededError{Count: *e.Count, Capacity: *e.Capacity}
	}
	if sentinel := domain.ErrorForKind(e.Code); sentinel != nil {
		if e.Error == "" {
			return domain.Order{}, sentinel
		}
		return domain.Order{}, &replayedError{msg: e.Error, kind: sentinel}
	}
	return domain.Order{}, fmt.Errorf("stored outcome with unknown code %q (status %d)", e.Code, status)
}

// replayedError carries a stored error message and still matches its sentinel.
type replayedError struct {
	msg  string
	kind error
}

func (e *replayedError) Error() string { return e.msg }

func (e *replayedError) Unwrap() error { return e.kind }

func toOutcomeOrder(o domain.Order) outcomeOrder {
	out := outcomeOrder{ID: o.ID, CustomerID: o.CustomerID, UpdatedAt: o.UpdatedAt.UTC()}
	if r := o.Reservation; r != nil {
		out.Reservation = &outcomeReservation{
			TimeBlockID:  r.TimeBlockID,
			DeliveryDate: r.DeliveryDate.UTC(),
			TimeZone:     r.TimeZone,
		}
	}
	return out
}

func fromOutcomeOrder(o outcomeOrder) domain.Order {
	out := domain.Order{ID: o.ID, CustomerID: o.CustomerID, UpdatedAt: o.UpdatedAt}
	if r := o.Reservation; r != nil {
		out.Reservation = &domain.Reservation{
			TimeBlockID:  r.TimeBlockID,
			DeliveryDate: r.DeliveryDate,
			TimeZone:     r.TimeZone,
		}
	}
	return out
}
