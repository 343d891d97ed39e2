package http

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/cimillas/delivery-slots/internal/app"
)

// AvailabilityReader is the minimal interface needed for the availability endpoint.
type AvailabilityReader interface {
	AvailableBlocks(ctx context.Context, date, zone string) (app.Availability, error)
}

// HandleAvailableBlocks serves GET /time-blocks/available?date=YYYY-MM-DD&zone=IANA.
func HandleAvailableBlocks(svc AvailabilityReader, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		avail, err := svc.AvailableBlocks(r.Context(), q.Get("date"), q.Get("zone"))
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAvailabilityResponse(avail))
	}
}

type availableBlockResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	Fee               int64  `json:"fee"`
	FeeDisplay        string `json:"fee_display"`
	CurrencyCode      string `json:"currency_code"`
	RemainingCapacity int    `json:"remaining_capacity"`
}

type availabilityResponse struct {
	Date          string                   `json:"date"`
	TimeZone      string                   `json:"time_zone"`
	Blocks        []availableBlockResponse `json:"blocks"`
	CutoffTime    *string                  `json:"cutoff_time"`
	BlackoutDates []string                 `json:"blackout_dates"`
}

func toAvailabilityResponse(a app.Availability) availabilityResponse {
	resp := availabilityResponse{
		Date:          a.Date,
		TimeZone:      a.TimeZone,
		Blocks:        make([]availableBlockResponse, 0, len(a.Blocks)),
		BlackoutDates: a.BlackoutDates,
	}
	if resp.BlackoutDates == nil {
		resp.BlackoutDates = []string{}
	}
	if a.CutoffTime != nil {
		s := a.CutoffTime.String()
		resp.CutoffTime = &s
	}
	for _, b := range a.Blocks {
		resp.Blocks = append(resp.Blocks, availableBlockResponse{
			ID:                b.ID,
			Name:              b.Name,
			StartTime:         b.StartTime.String(),
			EndTime:           b.EndTime.String(),
			Fee:               b.FeeMinor,
			FeeDisplay:        formatFee(b.FeeMinor, b.CurrencyCode),
			CurrencyCode:      b.CurrencyCode,
			RemainingCapacity: b.RemainingCapacity,
		})
	}
	return resp
}

// formatFee renders minor units with the currency's standard number of
// decimals, e.g. 499 USD as "USD 4.99" and 500 JPY as "JPY 500".
func formatFee(minor int64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%d %s", minor, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	major := float64(minor) / math.Pow10(scale)
	return fmt.Sprintf("%s %.*f", unit, scale, major)
}
