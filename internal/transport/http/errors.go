package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/domain"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeValidationFailed   = "validation_failed"
	codeForbidden          = string(domain.KindForbidden)
	codeUnauthenticated    = string(domain.KindUnauthenticated)
	codeInternalError      = string(domain.KindInternal)
)

// retryAfterSeconds is sent with 202 processing and 503 lock timeout responses.
const retryAfterSeconds = "1"

type errorResponse struct {
	Error    string            `json:"error"`
	Code     string            `json:"code"`
	Count    *int              `json:"count,omitempty"`
	Capacity *int              `json:"capacity,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(resp)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps a service error to its status and body. Internal
// errors are logged and reported without detail.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := domain.KindOf(err)
	status := app.StatusFor(err)
	resp := errorResponse{Error: err.Error(), Code: string(kind)}

	switch kind {
	case domain.KindInternal:
		logger.Error("request failed", zap.Error(err))
		resp.Error = "internal error"
	case domain.KindForbidden:
		resp.Error = "forbidden"
	case domain.KindUnauthenticated:
		resp.Error = "unauthenticated"
	case domain.KindCapacityExceeded:
		var capErr *domain.CapacityExceededError
		if errors.As(err, &capErr) {
			resp.Count = &capErr.Count
			resp.Capacity = &capErr.Capacity
		}
	case domain.KindProcessing, domain.KindLockTimeout:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeErrorResponse(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, codeNotFound, "not found")
}
