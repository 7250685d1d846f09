// Package memory is an in-process implementation of circulation.Store.
//
// It models the datastore guarantees the engine relies on: exclusive row
// locks held until commit or rollback, skip-locked selection, staged writes
// that other transactions cannot see, and uniqueness enforced at insert and
// again at commit.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
	"libralend/internal/journal"
)

// Store keeps books, loans and journal events in memory.
type Store struct {
	mu      sync.Mutex
	books   map[uuid.UUID]*inventory.Book
	loans   map[uuid.UUID]*circulation.Loan
	events  []journal.Event
	loanSeq int64

	bookLocks map[uuid.UUID]rowLock
	loanLocks map[uuid.UUID]rowLock

	now func() time.Time
}

var _ circulation.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		books:     make(map[uuid.UUID]*inventory.Book),
		loans:     make(map[uuid.UUID]*circulation.Loan),
		bookLocks: make(map[uuid.UUID]rowLock),
		loanLocks: make(map[uuid.UUID]rowLock),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// rowLock is a one-slot semaphore. A send acquires, a receive releases.
type rowLock chan struct{}

func (l rowLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for row lock: %w", circulation.ErrTransient, ctx.Err())
	}
}

func (l rowLock) tryLock() bool {
	select {
	case l <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l rowLock) unlock() { <-l }

func lockFor(locks map[uuid.UUID]rowLock, id uuid.UUID) rowLock {
	l, ok := locks[id]
	if !ok {
		l = make(rowLock, 1)
		locks[id] = l
	}
	return l
}

// CreateBook seeds a book with total copies all on the shelf.
func (s *Store) CreateBook(_ context.Context, title string, totalCopies int) (*inventory.Book, error) {
	if totalCopies < 0 {
		return nil, fmt.Errorf("%w: %w", circulation.ErrInvalidArgument, inventory.ErrNegativeCapacity)
	}
	now := s.now()
	b := &inventory.Book{
		ID:              uuid.New(),
		Title:           title,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	b.DeriveStatus()

	s.mu.Lock()
	s.books[b.ID] = b
	s.mu.Unlock()

	c := *b
	return &c, nil
}

// SetStatus is the administrative path for flagging a book, typically
// for maintenance. Clearing maintenance re-derives the status.
func (s *Store) SetStatus(ctx context.Context, bookID uuid.UUID, status inventory.Status) error {
	return s.overrideBook(ctx, bookID, func(b *inventory.Book) {
		b.Status = status
		if status != inventory.StatusMaintenance {
			b.DeriveStatus()
		}
	})
}

// SetAvailable overwrites a book's shelf count without touching the ledger.
// It exists to rehearse drift repair.
func (s *Store) SetAvailable(ctx context.Context, bookID uuid.UUID, available int) error {
	return s.overrideBook(ctx, bookID, func(b *inventory.Book) {
		b.AvailableCopies = available
		b.DeriveStatus()
	})
}

func (s *Store) overrideBook(ctx context.Context, bookID uuid.UUID, fn func(*inventory.Book)) error {
	s.mu.Lock()
	l := lockFor(s.bookLocks, bookID)
	s.mu.Unlock()

	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return fmt.Errorf("book %s: %w", bookID, circulation.ErrNotFound)
	}
	fn(b)
	b.UpdatedAt = s.now()
	return nil
}

// CountInconsistentBooks reports books whose counts break the shelf invariant.
func (s *Store) CountInconsistentBooks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.books {
		if !b.Valid() {
			n++
		}
	}
	return n, nil
}

// WithinTx runs fn in a transaction. Writes become visible to other
// transactions only when fn returns nil and the commit succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	t := &tx{
		store:     s,
		books:     make(map[uuid.UUID]*inventory.Book),
		loans:     make(map[uuid.UUID]*circulation.Loan),
		heldBooks: make(map[uuid.UUID]rowLock),
		heldLoans: make(map[uuid.UUID]rowLock),
	}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) GetBook(_ context.Context, id uuid.UUID) (*inventory.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, circulation.ErrNotFound)
	}
	c := *b
	return &c, nil
}

func (s *Store) GetLoan(_ context.Context, id uuid.UUID) (*circulation.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, circulation.ErrNotFound)
	}
	return cloneLoan(l), nil
}

func (s *Store) ListLoans(_ context.Context, f circulation.Filter) ([]*circulation.Loan, error) {
	s.mu.Lock()
	var out []*circulation.Loan
	for _, l := range s.loans {
		if f.Matches(l) {
			out = append(out, cloneLoan(l))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *circulation.Loan) int { return cmp.Compare(a.Seq, b.Seq) })
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) ListDueBefore(_ context.Context, edge time.Time) ([]*circulation.Loan, error) {
	s.mu.Lock()
	var out []*circulation.Loan
	for _, l := range s.loans {
		if l.IsActiveLoan() && l.DueAt != nil && !l.DueAt.After(edge) {
			out = append(out, cloneLoan(l))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *circulation.Loan) int { return a.DueAt.Compare(*b.DueAt) })
	return out, nil
}

func (s *Store) History(_ context.Context, aggregateID uuid.UUID) ([]journal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []journal.Event
	for _, ev := range s.events {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func page(loans []*circulation.Loan, offset, limit int) []*circulation.Loan {
	if offset >= len(loans) {
		return nil
	}
	loans = loans[offset:]
	if limit > 0 && limit < len(loans) {
		loans = loans[:limit]
	}
	return loans
}

func cloneLoan(l *circulation.Loan) *circulation.Loan {
	c := *l
	c.LoanedAt = cloneTime(l.LoanedAt)
	c.DueAt = cloneTime(l.DueAt)
	c.ReturnedAt = cloneTime(l.ReturnedAt)
	c.CanceledAt = cloneTime(l.CanceledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
