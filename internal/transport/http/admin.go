package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// AdminTimeBlockService is the minimal interface needed for admin time block endpoints.
type AdminTimeBlockService interface {
	CreateTimeBlock(ctx context.Context, in app.CreateTimeBlockInput) (domain.TimeBlock, error)
	ListTimeBlocks(ctx context.Context) ([]domain.TimeBlock, error)
}

// HandleAdminTimeBlocks returns an HTTP handler for time block creation/listing.
func HandleAdminTimeBlocks(svc AdminTimeBlockService, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := newValidator()

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			blocks, err := svc.ListTimeBlocks(r.Context())
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			resp := make([]timeBlockResponse, 0, len(blocks))
			for _, b := range blocks {
				resp = append(resp, toTimeBlockResponse(b))
			}
			writeJSON(w, http.StatusOK, resp)
		case http.MethodPost:
			var req createTimeBlockRequest
			if !decodeAndValidate(w, r, validate, &req) {
				return
			}

			block, err := svc.CreateTimeBlock(r.Context(), app.CreateTimeBlockInput{
				Name:         req.Name,
				StartTime:    req.StartTime,
				EndTime:      req.EndTime,
				Capacity:     req.Capacity,
				FeeMinor:     req.Fee,
				CurrencyCode: req.CurrencyCode,
				Weekdays:     req.Weekdays,
			})
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusCreated, toTimeBlockResponse(block))
		default:
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		}
	}
}

type createTimeBlockRequest struct {
	Name         string `json:"name" validate:"required"`
	StartTime    string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime      string `json:"end_time" validate:"required,datetime=15:04"`
	Capacity     int    `json:"capacity" validate:"required,min=1"`
	Fee          int64  `json:"fee" validate:"min=0"`
	CurrencyCode string `json:"currency_code" validate:"required,len=3"`
	Weekdays     []int  `json:"weekdays" validate:"required,min=1,dive,min=0,max=6"`
}

type timeBlockResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Capacity     int    `json:"capacity"`
	Fee          int64  `json:"fee"`
	FeeDisplay   string `json:"fee_display"`
	CurrencyCode string `json:"currency_code"`
	Weekdays     []int  `json:"weekdays"`
}

func toTimeBlockResponse(b domain.TimeBlock) timeBlockResponse {
	return timeBlockResponse{
		ID:           b.ID,
		Name:         b.Name,
		StartTime:    b.StartTime.String(),
		EndTime:      b.EndTime.String(),
		Capacity:     b.Capacity,
		Fee:          b.FeeMinor,
		FeeDisplay:   formatFee(b.FeeMinor, b.CurrencyCode),
		CurrencyCode: b.CurrencyCode,
		Weekdays:     b.Weekdays.Ints(),
	}
}
