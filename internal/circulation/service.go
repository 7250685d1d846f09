// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/inventory"
	"libralend/internal/journal"
)

// Service defines the loan engine.
type Service interface {
	Borrow(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error)
	Reserve(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error)
	Return(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	Renew(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	CancelReservation(ctx context.Context, loanID uuid.UUID) (*Loan, error)

	AdjustCapacity(ctx context.Context, bookID uuid.UUID, newTotal int) (*inventory.Book, error)
	ReconcileAvailability(ctx context.Context, bookID uuid.UUID) (*inventory.Book, error)

	NotifyDueSoon(ctx context.Context, daysBefore int) (int, error)

	GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	GetBook(ctx context.Context, bookID uuid.UUID) (*inventory.Book, error)
	ListLoans(ctx context.Context, f Filter) ([]*Loan, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error)
}
