package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
	"libralend/internal/journal"
)

type tx struct {
	store *Store

	// staged writes, keyed by row id
	books    map[uuid.UUID]*inventory.Book
	loans    map[uuid.UUID]*circulation.Loan
	inserted []uuid.UUID
	events   []journal.Event

	heldBooks map[uuid.UUID]rowLock
	heldLoans map[uuid.UUID]rowLock
}

func (t *tx) GetBook(_ context.Context, id uuid.UUID) (*inventory.Book, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.book(id)
}

func (t *tx) LockBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
	if err := t.acquire(ctx, t.store.bookLocks, t.heldBooks, id); err != nil {
		return nil, err
	}
	return t.GetBook(ctx, id)
}

func (t *tx) SaveBook(_ context.Context, b *inventory.Book) error {
	if _, ok := t.heldBooks[b.ID]; !ok {
		return fmt.Errorf("save book %s without holding its lock", b.ID)
	}
	c := *b
	t.books[b.ID] = &c
	return nil
}

func (t *tx) GetLoan(_ context.Context, id uuid.UUID) (*circulation.Loan, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.loan(id)
}

func (t *tx) LockLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	if err := t.acquire(ctx, t.store.loanLocks, t.heldLoans, id); err != nil {
		return nil, err
	}
	return t.GetLoan(ctx, id)
}

func (t *tx) InsertLoan(_ context.Context, l *circulation.Loan) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, err := t.book(l.BookID); err != nil {
		return err
	}
	if _, exists := t.store.loans[l.ID]; exists {
		return fmt.Errorf("loan %s: %w", l.ID, circulation.ErrDuplicateRequest)
	}
	if err := t.checkUnique(l); err != nil {
		return err
	}

	t.store.loanSeq++
	l.Seq = t.store.loanSeq
	t.loans[l.ID] = cloneLoan(l)
	t.inserted = append(t.inserted, l.ID)
	// A fresh row is locked by the inserting transaction.
	t.heldLoans[l.ID] = nil
	return nil
}

func (t *tx) SaveLoan(_ context.Context, l *circulation.Loan) error {
	if _, ok := t.heldLoans[l.ID]; !ok {
		return fmt.Errorf("save loan %s without holding its lock", l.ID)
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.checkUnique(l); err != nil {
		return err
	}
	t.loans[l.ID] = cloneLoan(l)
	return nil
}

func (t *tx) NextPendingReservation(_ context.Context, bookID uuid.UUID) (*circulation.Loan, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	view := t.view()
	var queue []*circulation.Loan
	for _, l := range view {
		if l.BookID == bookID && l.IsPendingReservation() {
			queue = append(queue, l)
		}
	}
	slices.SortFunc(queue, func(a, b *circulation.Loan) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})

	for _, r := range queue {
		if holdsLoan(view, r.UserID, bookID) {
			continue
		}
		if _, mine := t.heldLoans[r.ID]; !mine {
			l := lockFor(t.store.loanLocks, r.ID)
			if !l.tryLock() {
				continue
			}
			t.heldLoans[r.ID] = l
		}
		// Re-read after locking; the row may have changed since the scan.
		current, err := t.loan(r.ID)
		if err != nil {
			return nil, err
		}
		if current.IsPendingReservation() {
			return current, nil
		}
	}
	return nil, nil
}

func (t *tx) HasOpenLoan(_ context.Context, userID, bookID uuid.UUID) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return holdsLoan(t.view(), userID, bookID), nil
}

func (t *tx) CountActiveLoans(_ context.Context, bookID uuid.UUID) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	n := 0
	for _, l := range t.view() {
		if l.BookID == bookID && l.IsActiveLoan() {
			n++
		}
	}
	return n, nil
}

func (t *tx) Append(_ context.Context, ev journal.Event) error {
	t.events = append(t.events, ev)
	return nil
}

// acquire takes the row lock for id unless the transaction already holds it.
func (t *tx) acquire(ctx context.Context, locks, held map[uuid.UUID]rowLock, id uuid.UUID) error {
	if _, ok := held[id]; ok {
		return nil
	}
	t.store.mu.Lock()
	l := lockFor(locks, id)
	t.store.mu.Unlock()

	if err := l.lock(ctx); err != nil {
		return err
	}
	held[id] = l
	return nil
}

// book and loan read through the staged writes. Callers hold store.mu.
func (t *tx) book(id uuid.UUID) (*inventory.Book, error) {
	if b, ok := t.books[id]; ok {
		c := *b
		return &c, nil
	}
	b, ok := t.store.books[id]
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, circulation.ErrNotFound)
	}
	c := *b
	return &c, nil
}

func (t *tx) loan(id uuid.UUID) (*circulation.Loan, error) {
	if l, ok := t.loans[id]; ok {
		return cloneLoan(l), nil
	}
	l, ok := t.store.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, circulation.ErrNotFound)
	}
	return cloneLoan(l), nil
}

// view merges committed loans with this transaction's staged ones.
func (t *tx) view() map[uuid.UUID]*circulation.Loan {
	out := make(map[uuid.UUID]*circulation.Loan, len(t.store.loans)+len(t.inserted))
	for id, l := range t.store.loans {
		out[id] = l
	}
	for id, l := range t.loans {
		out[id] = l
	}
	return out
}

// checkUnique enforces one open loan and one pending reservation per
// (user, book) across committed rows and this transaction's writes.
func (t *tx) checkUnique(l *circulation.Loan) error {
	return checkUnique(t.view(), l)
}

func checkUnique(view map[uuid.UUID]*circulation.Loan, l *circulation.Loan) error {
	for _, other := range view {
		if other.ID == l.ID || other.UserID != l.UserID || other.BookID != l.BookID {
			continue
		}
		if l.HoldsLoanSlot() && other.HoldsLoanSlot() {
			return fmt.Errorf("%w: user already borrowed this book", circulation.ErrDuplicateRequest)
		}
		if l.IsPendingReservation() && other.IsPendingReservation() {
			return fmt.Errorf("%w: user already reserved this book", circulation.ErrDuplicateRequest)
		}
	}
	return nil
}

func holdsLoan(view map[uuid.UUID]*circulation.Loan, userID, bookID uuid.UUID) bool {
	for _, l := range view {
		if l.UserID == userID && l.BookID == bookID && l.HoldsLoanSlot() {
			return true
		}
	}
	return false
}

// commit re-checks uniqueness against what other transactions committed in
// the meantime, then publishes the staged writes atomically.
func (t *tx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	view := t.view()
	for _, l := range t.loans {
		if err := checkUnique(view, l); err != nil {
			return err
		}
	}

	for id, b := range t.books {
		s.books[id] = b
	}
	for id, l := range t.loans {
		s.loans[id] = l
	}
	for _, ev := range t.events {
		ev.ID = int64(len(s.events) + 1)
		s.events = append(s.events, ev)
	}
	return nil
}

// release drops every row lock the transaction took.
func (t *tx) release() {
	for _, l := range t.heldBooks {
		l.unlock()
	}
	for _, l := range t.heldLoans {
		if l != nil {
			l.unlock()
		}
	}
	t.heldBooks = nil
	t.heldLoans = nil
}
