// internal/circulation/store.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"libralend/internal/inventory"
	"libralend/internal/journal"
)

// Store is the persistence port of the loan engine. Implementations must
// provide real row locking: correctness across engine instances comes from
// the datastore, not from in-process mutexes.
type Store interface {
	// WithinTx runs fn in a single transaction. It commits when fn returns nil
	// and rolls back otherwise; locks taken through tx are held until then.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	ListLoans(ctx context.Context, f Filter) ([]*Loan, error)
	// ListDueBefore returns active loans with due_at <= edge.
	ListDueBefore(ctx context.Context, edge time.Time) ([]*Loan, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error)
}

// Tx is the transactional view of the store.
//
// Lock modes:
//   - LockBook and LockLoan take an exclusive row lock and block until it is granted.
//   - NextPendingReservation takes a best-effort lock: rows already locked by
//     another transaction are skipped instead of waited for.
type Tx interface {
	GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
	LockBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
	SaveBook(ctx context.Context, b *inventory.Book) error

	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	LockLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	InsertLoan(ctx context.Context, l *Loan) error
	SaveLoan(ctx context.Context, l *Loan) error

	// NextPendingReservation returns the oldest selectable pending reservation
	// for the book, locked, or nil when there is none. A reservation is not
	// selectable while its user holds an open loan of the same book.
	NextPendingReservation(ctx context.Context, bookID uuid.UUID) (*Loan, error)

	// HasOpenLoan reports whether the user holds a pending or active loan of the book.
	HasOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error)

	// CountActiveLoans is the ledger capability used for capacity decisions.
	CountActiveLoans(ctx context.Context, bookID uuid.UUID) (int, error)

	Append(ctx context.Context, ev journal.Event) error
}
