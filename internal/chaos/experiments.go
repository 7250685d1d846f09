package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
)

// Inventory is the administrative side of a store the experiments need:
// seeding books, corrupting a shelf count and probing for broken books.
// Both the memory and the Postgres stores satisfy it.
type Inventory interface {
	CreateBook(ctx context.Context, title string, totalCopies int) (*inventory.Book, error)
	SetAvailable(ctx context.Context, bookID uuid.UUID, available int) error
	CountInconsistentBooks(ctx context.Context) (int, error)
}

// RegisterDefaults registers the standard consistency experiments.
func (e *Engine) RegisterDefaults(svc circulation.Service, inv Inventory) {
	e.RegisterExperiment(BorrowRace(svc, inv, 25))
	e.RegisterExperiment(ReturnPromotionRace(svc, inv, 3, 5))
	e.RegisterExperiment(ShelfDriftRepair(svc, inv))
}

// BorrowRace has many users borrow the last copy of a book at once.
func BorrowRace(svc circulation.Service, inv Inventory, borrowers int) Experiment {
	var (
		book      *inventory.Book
		succeeded atomic.Int64
		transient atomic.Int64
	)

	return Experiment{
		Name:       "concurrent-borrow-last-copy",
		Hypothesis: "Exactly one of many concurrent borrowers gets the last copy and the shelf never goes negative",
		Setup: func(ctx context.Context) error {
			succeeded.Store(0)
			transient.Store(0)
			var err error
			book, err = inv.CreateBook(ctx, "chaos: borrow race", 1)
			return err
		},
		SteadyState: []Metric{inconsistentBooks(inv)},
		Method: []Action{{
			Type:   "concurrent-borrow",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				return fanOut(borrowers, func(int) error {
					_, err := svc.Borrow(ctx, uuid.New(), book.ID)
					switch {
					case err == nil:
						succeeded.Add(1)
					case errors.Is(err, circulation.ErrTransient):
						transient.Add(1)
					case !errors.Is(err, circulation.ErrNotEnoughCopies):
						return err
					}
					return nil
				})
			},
		}},
		Observe: []Metric{
			inconsistentBooks(inv),
			{
				Name:      "successful_borrows",
				Query:     func(context.Context) (float64, error) { return float64(succeeded.Load()), nil },
				Threshold: Threshold{Operator: "==", Value: 1},
			},
			{
				Name:      "transient_failures",
				Query:     func(context.Context) (float64, error) { return float64(transient.Load()), nil },
				Threshold: Threshold{Operator: ">=", Value: 0},
			},
			availableCopies(svc, func() uuid.UUID { return book.ID }, "==", 0),
		},
		Validation: []Assertion{
			{Metric: "successful_borrows", Condition: eq(1), Message: "exactly one borrow should succeed"},
			{Metric: "available_copies", Condition: eq(0), Message: "the shelf should be empty"},
			{Metric: "inconsistent_books", Condition: eq(0), Message: "no book may break 0 <= available <= total"},
		},
	}
}

// ReturnPromotionRace returns every outstanding copy of a book concurrently
// while reservations are queued and other users try to borrow.
func ReturnPromotionRace(svc circulation.Service, inv Inventory, copies, reservers int) Experiment {
	var (
		book         *inventory.Book
		loans        []uuid.UUID
		reservations []uuid.UUID
		strayBorrows atomic.Int64
	)
	promotedWant := float64(min(copies, reservers))
	pendingWant := float64(max(reservers-copies, 0))
	shelfWant := float64(max(copies-reservers, 0))

	return Experiment{
		Name:       "concurrent-return-promotion",
		Hypothesis: "Concurrent returns hand each copy to a distinct queued reservation in FIFO order and never over-shelve",
		Setup: func(ctx context.Context) error {
			strayBorrows.Store(0)
			var err error
			book, err = inv.CreateBook(ctx, "chaos: promotion race", copies)
			if err != nil {
				return err
			}
			loans, reservations = nil, nil
			for range copies {
				l, err := svc.Borrow(ctx, uuid.New(), book.ID)
				if err != nil {
					return fmt.Errorf("seed loan: %w", err)
				}
				loans = append(loans, l.ID)
			}
			for range reservers {
				r, err := svc.Reserve(ctx, uuid.New(), book.ID)
				if err != nil {
					return fmt.Errorf("seed reservation: %w", err)
				}
				reservations = append(reservations, r.ID)
			}
			return nil
		},
		SteadyState: []Metric{
			inconsistentBooks(inv),
			availableCopies(svc, func() uuid.UUID { return book.ID }, "==", 0),
		},
		Method: []Action{{
			Type:   "concurrent-return",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				return fanOut(2*len(loans), func(i int) error {
					if i%2 == 1 {
						// Interleaved walk-in borrowers must never jump the queue.
						if _, err := svc.Borrow(ctx, uuid.New(), book.ID); err == nil {
							strayBorrows.Add(1)
						}
						return nil
					}
					_, err := svc.Return(ctx, loans[i/2])
					if errors.Is(err, circulation.ErrTransient) {
						_, err = svc.Return(ctx, loans[i/2])
					}
					return err
				})
			},
		}},
		Observe: []Metric{
			inconsistentBooks(inv),
			{
				Name: "promoted_reservations",
				Query: func(ctx context.Context) (float64, error) {
					promoted := 0
					for _, id := range reservations[:min(copies, reservers)] {
						l, err := svc.GetLoan(ctx, id)
						if err != nil {
							return 0, err
						}
						if l.IsActiveLoan() {
							promoted++
						}
					}
					return float64(promoted), nil
				},
				Threshold: Threshold{Operator: "==", Value: promotedWant},
			},
			{
				Name: "pending_reservations",
				Query: func(ctx context.Context) (float64, error) {
					pending, err := svc.ListLoans(ctx, circulation.Filter{
						BookID: book.ID,
						Type:   circulation.TypeReservation,
						Status: circulation.StatusPending,
					})
					return float64(len(pending)), err
				},
				Threshold: Threshold{Operator: "==", Value: pendingWant},
			},
			{
				Name:      "queue_jumping_borrows",
				Query:     func(context.Context) (float64, error) { return float64(strayBorrows.Load()), nil },
				Threshold: Threshold{Operator: "<=", Value: shelfWant},
			},
			availableCopies(svc, func() uuid.UUID { return book.ID }, "<=", shelfWant),
		},
		Validation: []Assertion{
			{Metric: "promoted_reservations", Condition: eq(promotedWant), Message: "the oldest reservations should hold the returned copies"},
			{Metric: "pending_reservations", Condition: eq(pendingWant), Message: "the remaining reservations should stay queued"},
			{Metric: "queue_jumping_borrows", Condition: func(v float64) bool { return v <= shelfWant }, Message: "walk-in borrowers may only take copies nobody queued for"},
			{Metric: "inconsistent_books", Condition: eq(0), Message: "no book may break 0 <= available <= total"},
		},
	}
}

// ShelfDriftRepair corrupts a book's shelf count and expects
// ReconcileAvailability to restore it from the loan ledger.
func ShelfDriftRepair(svc circulation.Service, inv Inventory) Experiment {
	var book *inventory.Book

	drift := Metric{
		Name: "shelf_drift",
		Query: func(ctx context.Context) (float64, error) {
			b, err := svc.GetBook(ctx, book.ID)
			if err != nil {
				return 0, err
			}
			active, err := svc.ListLoans(ctx, circulation.Filter{
				BookID: book.ID,
				Type:   circulation.TypeLoan,
				Status: circulation.StatusActive,
			})
			if err != nil {
				return 0, err
			}
			d := b.AvailableCopies - inventory.ShelfCopies(b.TotalCopies, len(active))
			return float64(max(d, -d)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}

	return Experiment{
		Name:       "shelf-drift-repair",
		Hypothesis: "Reconciliation restores the shelf count from the loan ledger after it drifts",
		Setup: func(ctx context.Context) error {
			var err error
			book, err = inv.CreateBook(ctx, "chaos: drift", 4)
			if err != nil {
				return err
			}
			_, err = svc.Borrow(ctx, uuid.New(), book.ID)
			return err
		},
		SteadyState: []Metric{inconsistentBooks(inv), drift},
		Method: []Action{{
			Type:   "corrupt-shelf-count",
			Target: "inventory",
			Execute: func(ctx context.Context) error {
				return inv.SetAvailable(ctx, book.ID, 0)
			},
		}},
		Rollback: []Action{{
			Type:   "reconcile",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				_, err := svc.ReconcileAvailability(ctx, book.ID)
				return err
			},
		}},
		Observe: []Metric{inconsistentBooks(inv), drift},
		Validation: []Assertion{
			{Metric: "shelf_drift", Condition: eq(0), Message: "available copies should match total minus active loans"},
			{Metric: "inconsistent_books", Condition: eq(0), Message: "no book may break 0 <= available <= total"},
		},
	}
}

func inconsistentBooks(inv Inventory) Metric {
	return Metric{
		Name: "inconsistent_books",
		Query: func(ctx context.Context) (float64, error) {
			n, err := inv.CountInconsistentBooks(ctx)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func availableCopies(svc circulation.Service, bookID func() uuid.UUID, op string, want float64) Metric {
	return Metric{
		Name: "available_copies",
		Query: func(ctx context.Context) (float64, error) {
			b, err := svc.GetBook(ctx, bookID())
			if err != nil {
				return 0, err
			}
			return float64(b.AvailableCopies), nil
		},
		Threshold: Threshold{Operator: op, Value: want},
	}
}

func eq(want float64) func(float64) bool {
	return func(v float64) bool { return v == want }
}

// fanOut runs fn n times concurrently, releasing all goroutines at once.
func fanOut(n int, fn func(i int) error) error {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}()
	}
	close(start)
	wg.Wait()
	return errors.Join(errs...)
}
