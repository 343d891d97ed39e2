package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/calendar"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// SlotService reserves and releases an order's delivery slot.
type SlotService interface {
	Reserve(ctx context.Context, in app.ReserveInput) (domain.Order, error)
	Release(ctx context.Context, orderID string) (domain.Order, error)
}

// OwnershipVerifier rejects callers acting on an order that is not theirs.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, caller domain.Caller, orderID string) error
}

// HandleOrderSlot serves POST and DELETE on /orders/{orderID}/slot. It must
// run behind Authenticate.
func HandleOrderSlot(guard OwnershipVerifier, svc SlotService, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := newValidator()

	return func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := parseOrderSlotPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		caller, ok := callerFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "unauthenticated")
			return
		}
		if err := guard.VerifyOwnership(r.Context(), caller, orderID); err != nil {
			writeDomainError(w, logger, err)
			return
		}

		switch r.Method {
		case http.MethodPost:
			reserveSlot(w, r, svc, validate, logger, orderID)
		case http.MethodDelete:
			order, err := svc.Release(r.Context(), orderID)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, toOrderResponse(order))
		}
	}
}

func reserveSlot(w http.ResponseWriter, r *http.Request, svc SlotService, validate *validator.Validate, logger *zap.Logger, orderID string) {
	var req reserveSlotRequest
	if !decodeAndValidate(w, r, validate, &req) {
		return
	}

	order, err := svc.Reserve(r.Context(), app.ReserveInput{
		OrderID:        orderID,
		TimeBlockID:    req.TimeBlockID,
		Date:           req.Date,
		TimeZone:       req.Zone,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeDomainError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type reserveSlotRequest struct {
	TimeBlockID string `json:"time_block_id" validate:"required"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Zone        string `json:"zone,omitempty"`
}

type reservationResponse struct {
	TimeBlockID  string    `json:"time_block_id"`
	Date         string    `json:"date"`
	TimeZone     string    `json:"time_zone"`
	DeliveryDate time.Time `json:"delivery_date"`
}

type orderResponse struct {
	ID          string               `json:"id"`
	CustomerID  string               `json:"customer_id"`
	Reservation *reservationResponse `json:"reservation"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func toOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{ID: o.ID, CustomerID: o.CustomerID, UpdatedAt: o.UpdatedAt.UTC()}
	if res := o.Reservation; res != nil {
		// The stored zone was valid when written, so a format error cannot happen here.
		date, _ := calendar.ToComparableDateString(res.DeliveryDate, res.TimeZone)
		resp.Reservation = &reservationResponse{
			TimeBlockID:  res.TimeBlockID,
			Date:         date,
			TimeZone:     res.TimeZone,
			DeliveryDate: res.DeliveryDate.UTC(),
		}
	}
	return resp
}

func parseOrderSlotPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != "orders" || parts[2] != "slot" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
