package http

import (
	"net/http"

	"go.uber.org/zap"
)

// Services groups what the router dispatches to.
type Services struct {
	Availability AvailabilityReader
	Guard        OwnershipVerifier
	Slots        SlotService
	Admin        AdminTimeBlockService
	// DB backs the health check. Nil skips the ping.
	DB Pinger
}

// NewRouter builds the full handler chain: request logging, CORS, routes.
func NewRouter(svc Services, corsOrigins []string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/health", HandleHealth(svc.DB))
	mux.Handle("/time-blocks/available", HandleAvailableBlocks(svc.Availability, logger))
	mux.Handle("/orders/", Authenticate(HandleOrderSlot(svc.Guard, svc.Slots, logger)))
	mux.Handle("/admin/time-blocks", HandleAdminTimeBlocks(svc.Admin, logger))
	mux.HandleFunc("/", handleNotFound)

	return RequestLogger(CORS(corsOrigins, mux), logger)
}
