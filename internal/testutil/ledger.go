package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cimillas/delivery-slots/internal/app"
	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// LedgerFactory builds an empty ledger that reads time from clk.
type LedgerFactory func(t *testing.T, clk clock.Clock, retention time.Duration) app.IdempotencyLedger

var ledgerEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// RunLedgerContract checks the behaviour every idempotency ledger backend shares.
func RunLedgerContract(t *testing.T, newLedger LedgerFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("first check is new, then in flight", func(t *testing.T) {
		l := newLedger(t, clock.NewFixed(ledgerEpoch), 24*time.Hour)
		mustState(t, l, "k", "h", domain.CheckNew)
		mustState(t, l, "k", "h", domain.CheckInFlight)
	})

	t.Run("completed outcome replays verbatim", func(t *testing.T) {
		l := newLedger(t, clock.NewFixed(ledgerEpoch), 24*time.Hour)
		mustState(t, l, "k", "h", domain.CheckNew)
		body := []byte(`{"error":"capacity exceeded","code":"capacity_exceeded","count":2,"capacity":2}`)
		if err := l.StoreOutcome(ctx, "k", 409, body); err != nil {
			t.Fatalf("store outcome: %v", err)
		}

		got := mustState(t, l, "k", "h", domain.CheckCompleted)
		if got.StatusCode != 409 || string(got.Body) != string(body) {
			t.Fatalf("unexpected replay: %d %s", got.StatusCode, got.Body)
		}
	})

	t.Run("outcome is stored once", func(t *testing.T) {
		l := newLedger(t, clock.NewFixed(ledgerEpoch), 24*time.Hour)
		mustState(t, l, "k", "h", domain.CheckNew)
		if err := l.StoreOutcome(ctx, "k", 200, []byte(`{}`)); err != nil {
			t.Fatalf("store outcome: %v", err)
		}
		if err := l.StoreOutcome(ctx, "k", 500, []byte(`{}`)); !errors.Is(err, domain.ErrOutcomeAlreadyStored) {
			t.Fatalf("expected ErrOutcomeAlreadyStored, got %v", err)
		}
		if err := l.StoreOutcome(ctx, "unknown", 200, []byte(`{}`)); !errors.Is(err, domain.ErrOutcomeAlreadyStored) {
			t.Fatalf("expected ErrOutcomeAlreadyStored for unknown key, got %v", err)
		}
		got := mustState(t, l, "k", "h", domain.CheckCompleted)
		if got.StatusCode != 200 {
			t.Fatalf("first outcome must win, got %d", got.StatusCode)
		}
	})

	t.Run("different hash conflicts", func(t *testing.T) {
		l := newLedger(t, clock.NewFixed(ledgerEpoch), 24*time.Hour)
		mustState(t, l, "k", "h1", domain.CheckNew)
		got := mustState(t, l, "k", "h2", domain.CheckCompleted)
		if got.StatusCode != domain.ConflictStatus {
			t.Fatalf("expected %d, got %d", domain.ConflictStatus, got.StatusCode)
		}
	})

	t.Run("abandon frees an in-flight key only", func(t *testing.T) {
		l := newLedger(t, clock.NewFixed(ledgerEpoch), 24*time.Hour)
		mustState(t, l, "k", "h", domain.CheckNew)
		if err := l.Abandon(ctx, "k"); err != nil {
			t.Fatalf("abandon: %v", err)
		}
		mustState(t, l, "k", "h", domain.CheckNew)

		if err := l.StoreOutcome(ctx, "k", 200, []byte(`{}`)); err != nil {
			t.Fatalf("store outcome: %v", err)
		}
		if err := l.Abandon(ctx, "k"); err != nil {
			t.Fatalf("abandon completed: %v", err)
		}
		mustState(t, l, "k", "h", domain.CheckCompleted)

		if err := l.Abandon(ctx, "never-seen"); err != nil {
			t.Fatalf("abandon unknown: %v", err)
		}
	})

	t.Run("expired record is treated as absent", func(t *testing.T) {
		clk := clock.NewManual(ledgerEpoch)
		l := newLedger(t, clk, 24*time.Hour)
		mustState(t, l, "k", "h1", domain.CheckNew)
		if err := l.StoreOutcome(ctx, "k", 200, []byte(`{}`)); err != nil {
			t.Fatalf("store outcome: %v", err)
		}

		clk.Advance(23 * time.Hour)
		mustState(t, l, "k", "h1", domain.CheckCompleted)

		clk.Advance(2 * time.Hour)
		mustState(t, l, "k", "h2", domain.CheckNew)
	})

	t.Run("concurrent checks create once", func(t *testing.T) {
		l := newLedger(t, clock.NewFixed(ledgerEpoch), 24*time.Hour)
		const workers = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fresh int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := l.Check(ctx, "shared", "h")
				if err != nil {
					t.Errorf("check: %v", err)
					return
				}
				if got.State == domain.CheckNew {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if fresh != 1 {
			t.Fatalf("expected exactly one new verdict, got %d", fresh)
		}
	})
}

func mustState(t *testing.T, l app.IdempotencyLedger, key, hash string, want domain.CheckState) domain.IdempotencyCheck {
	t.Helper()
	got, err := l.Check(context.Background(), key, hash)
	if err != nil {
		t.Fatalf("check %s: %v", key, err)
	}
	if got.State != want {
		t.Fatalf("check %s: expected %s, got %s", key, want, got.State)
	}
	return got
}
