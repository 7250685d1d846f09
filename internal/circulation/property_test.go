package circulation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
	"libralend/internal/storage/memory"
)

// TestRandomCirculationPreservesInvariants drives the engine with random
// operation sequences and checks the ledger after every step.
func TestRandomCirculationPreservesInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := memory.New()
		clock := newTestClock()
		svc := circulation.NewService(store, circulation.WithClock(clock))

		users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		var books []uuid.UUID
		for i := 0; i < 2; i++ {
			b, err := store.CreateBook(ctx, "", rapid.IntRange(0, 3).Draw(t, "total"))
			if err != nil {
				t.Fatalf("create book: %v", err)
			}
			books = append(books, b.ID)
		}
		var loans []uuid.UUID

		pickLoan := func() (uuid.UUID, bool) {
			if len(loans) == 0 {
				return uuid.Nil, false
			}
			return rapid.SampledFrom(loans).Draw(t, "loan"), true
		}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Minute)
			user := rapid.SampledFrom(users).Draw(t, "user")
			book := rapid.SampledFrom(books).Draw(t, "book")

			var err error
			switch op := rapid.SampledFrom([]string{
				"borrow", "reserve", "return", "renew", "cancel", "adjust", "reconcile",
			}).Draw(t, "op"); op {
			case "borrow":
				var l *circulation.Loan
				if l, err = svc.Borrow(ctx, user, book); err == nil {
					loans = append(loans, l.ID)
				}
			case "reserve":
				var l *circulation.Loan
				if l, err = svc.Reserve(ctx, user, book); err == nil {
					loans = append(loans, l.ID)
				}
			case "return":
				if id, ok := pickLoan(); ok {
					_, err = svc.Return(ctx, id)
				}
			case "renew":
				if id, ok := pickLoan(); ok {
					_, err = svc.Renew(ctx, id)
				}
			case "cancel":
				if id, ok := pickLoan(); ok {
					_, err = svc.CancelReservation(ctx, id)
				}
			case "adjust":
				_, err = svc.AdjustCapacity(ctx, book, rapid.IntRange(0, 4).Draw(t, "newTotal"))
			case "reconcile":
				_, err = svc.ReconcileAvailability(ctx, book)
			}

			if err != nil {
				if code, _ := circulation.Classify(err); code == circulation.CodeInternal {
					t.Fatalf("untyped error: %v", err)
				}
				if errors.Is(err, circulation.ErrTransient) || errors.Is(err, circulation.ErrNotFound) {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			checkLedger(ctx, t, svc, books)
		}
	})
}

func checkLedger(ctx context.Context, t *rapid.T, svc circulation.Service, books []uuid.UUID) {
	for _, id := range books {
		b, err := svc.GetBook(ctx, id)
		if err != nil {
			t.Fatalf("get book: %v", err)
		}
		loans, err := svc.ListLoans(ctx, circulation.Filter{BookID: id})
		if err != nil {
			t.Fatalf("list loans: %v", err)
		}

		active := 0
		open := map[uuid.UUID]int{}
		queued := map[uuid.UUID]int{}
		for _, l := range loans {
			if l.IsActiveLoan() {
				active++
			}
			if l.HoldsLoanSlot() {
				open[l.UserID]++
			}
			if l.IsPendingReservation() {
				queued[l.UserID]++
			}
		}

		if !b.Valid() {
			t.Fatalf("book %s: available %d outside [0, %d]", id, b.AvailableCopies, b.TotalCopies)
		}
		if want := inventory.ShelfCopies(b.TotalCopies, active); b.AvailableCopies != want {
			t.Fatalf("book %s: available %d, want %d (total %d, active %d)",
				id, b.AvailableCopies, want, b.TotalCopies, active)
		}
		for user, n := range open {
			if n > 1 {
				t.Fatalf("book %s: user %s holds %d open loans", id, user, n)
			}
		}
		for user, n := range queued {
			if n > 1 {
				t.Fatalf("book %s: user %s has %d pending reservations", id, user, n)
			}
		}
	}
}
