package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/storage/postgres"
	"github.com/cimillas/delivery-slots/internal/testutil"
)

type apiErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Count    int    `json:"count"`
	Capacity int    `json:"capacity"`
}

var integrationNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newIntegrationRouter(t *testing.T) (http.Handler, context.Context, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.NewTestPool(t, testutil.WithMaxConns(8))
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)

	clk := clock.NewFixed(integrationNow)
	blocks := postgres.NewTimeBlockRepository(pool)
	router := NewRouter(Services{
		Availability: app.NewAvailabilityService(blocks, clk),
		Guard:        app.NewOwnershipGuard(postgres.NewSessionRepository(pool, clk)),
		Slots: app.NewReservationService(
			postgres.NewReservationRepository(pool, time.Second),
			postgres.NewIdempotencyLedger(pool, clk, 24*time.Hour),
			clk,
		),
		Admin: app.NewAdminService(blocks),
	}, nil, nil)
	return router, ctx, pool
}

func TestAdminTimeBlocks_HTTPIntegration(t *testing.T) {
	router, _, _ := newIntegrationRouter(t)

	reqBody := []byte(`{"name":"Morning","start_time":"09:00","end_time":"12:00","capacity":2,"fee":499,"currency_code":"usd","weekdays":[1,2,3,4,5]}`)
	rec := serve(router, http.MethodPost, "/admin/time-blocks", reqBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	var created timeBlockResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected time block id to be set")
	}
	if created.CurrencyCode != "USD" || created.FeeDisplay != "USD 4.99" {
		t.Fatalf("unexpected currency fields: %+v", created)
	}

	listRec := serve(router, http.MethodGet, "/admin/time-blocks", nil, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", listRec.Code)
	}
	var blocks []timeBlockResponse
	if err := json.NewDecoder(listRec.Body).Decode(&blocks); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(blocks) != 1 || blocks[0].ID != created.ID {
		t.Fatalf("expected created block in list, got %+v", blocks)
	}

	badRec := serve(router, http.MethodPost, "/admin/time-blocks",
		[]byte(`{"name":"Backwards","start_time":"12:00","end_time":"09:00","capacity":1,"fee":0,"currency_code":"USD","weekdays":[1]}`), nil)
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for reversed range, got %d", badRec.Code)
	}
	var errResp apiErrorResponse
	if err := json.NewDecoder(badRec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Code != "invalid_time_block" {
		t.Fatalf("expected invalid_time_block, got %s", errResp.Code)
	}
}

func TestOrderSlot_HTTPIntegration(t *testing.T) {
	router, ctx, pool := newIntegrationRouter(t)

	blockID := testutil.InsertTimeBlock(t, ctx, pool, "Morning", 1)
	orderA := testutil.InsertOrder(t, ctx, pool, "cust-a")
	orderB := testutil.InsertOrder(t, ctx, pool, "cust-b")
	testutil.InsertSession(t, ctx, pool, "tok-a", "cust-a", orderA, integrationNow.Add(time.Hour))
	testutil.InsertSession(t, ctx, pool, "tok-b", "cust-b", orderB, integrationNow.Add(time.Hour))

	body := []byte(`{"time_block_id":"` + blockID + `","date":"2024-05-02","zone":"America/New_York"}`)
	auth := func(tok, key string) map[string]string {
		h := map[string]string{"Authorization": "Bearer " + tok}
		if key != "" {
			h["Idempotency-Key"] = key
		}
		return h
	}

	avail := serve(router, http.MethodGet, "/time-blocks/available?date=2024-05-02&zone=America/New_York", nil, nil)
	if avail.Code != http.StatusOK {
		t.Fatalf("expected availability 200, got %d", avail.Code)
	}
	var before availabilityResponse
	if err := json.NewDecoder(avail.Body).Decode(&before); err != nil {
		t.Fatalf("decode availability: %v", err)
	}
	if len(before.Blocks) != 1 || before.Blocks[0].RemainingCapacity != 1 {
		t.Fatalf("expected one block with one slot left, got %+v", before.Blocks)
	}

	if rec := serve(router, http.MethodPost, "/orders/"+orderA+"/slot", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/orders/"+orderA+"/slot", body, auth("tok-b", "")); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another caller's order, got %d", rec.Code)
	}

	first := serve(router, http.MethodPost, "/orders/"+orderA+"/slot", body, auth("tok-a", "key-a"))
	if first.Code != http.StatusOK {
		t.Fatalf("expected reserve 200, got %d (%s)", first.Code, first.Body.String())
	}
	var reserved orderResponse
	if err := json.Unmarshal(first.Body.Bytes(), &reserved); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if reserved.Reservation == nil || reserved.Reservation.Date != "2024-05-02" ||
		!reserved.Reservation.DeliveryDate.Equal(time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reservation: %+v", reserved.Reservation)
	}

	replay := serve(router, http.MethodPost, "/orders/"+orderA+"/slot", body, auth("tok-a", "key-a"))
	if replay.Code != http.StatusOK || !bytes.Equal(bytes.TrimSpace(replay.Body.Bytes()), bytes.TrimSpace(first.Body.Bytes())) {
		t.Fatalf("expected identical replay, got %d %s", replay.Code, replay.Body.String())
	}

	full := serve(router, http.MethodPost, "/orders/"+orderB+"/slot", body, auth("tok-b", "key-b"))
	if full.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a full block, got %d", full.Code)
	}
	var capErr apiErrorResponse
	if err := json.NewDecoder(full.Body).Decode(&capErr); err != nil {
		t.Fatalf("decode capacity error: %v", err)
	}
	if capErr.Code != "capacity_exceeded" || capErr.Count != 1 || capErr.Capacity != 1 {
		t.Fatalf("unexpected capacity error: %+v", capErr)
	}

	if rec := serve(router, http.MethodDelete, "/orders/"+orderA+"/slot", nil, auth("tok-a", "")); rec.Code != http.StatusOK {
		t.Fatalf("expected release 200, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/orders/"+orderB+"/slot", body, auth("tok-b", "key-b2")); rec.Code != http.StatusOK {
		t.Fatalf("expected reserve after release 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func serve(h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
