package http

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
}

// HandleHealth reports liveness, and 503 when db is set and unreachable.
func HandleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
