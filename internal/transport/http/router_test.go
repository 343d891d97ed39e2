package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRouter_Routes(t *testing.T) {
	t.Parallel()

	router := NewRouter(Services{
		Availability: &stubAvailability{},
		Guard:        &stubGuard{},
		Slots:        &stubSlotService{},
		Admin:        &stubAdminService{},
	}, []string{"http://localhost:5173"}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		auth   bool
		want   int
	}{
		{name: "health", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "availability", method: http.MethodGet, path: "/time-blocks/available?date=2024-05-02", want: http.StatusOK},
		{name: "slot requires token", method: http.MethodDelete, path: "/orders/o1/slot", want: http.StatusUnauthorized},
		{name: "slot with token", method: http.MethodDelete, path: "/orders/o1/slot", auth: true, want: http.StatusOK},
		{name: "admin list", method: http.MethodGet, path: "/admin/time-blocks", want: http.StatusOK},
		{name: "unknown route", method: http.MethodGet, path: "/holds", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader(nil))
			if tt.auth {
				req.Header.Set("Authorization", "Bearer tok")
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestNewRouter_UnknownRouteBody(t *testing.T) {
	router := NewRouter(Services{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	if got, want := rec.Body.String(), `{"error":"not found","code":"not_found"}`; got != want {
		t.Fatalf("expected body %q, got %q", want, got)
	}
}
