// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Type distinguishes a loan from a queued reservation.
type Type string

const (
	TypeLoan        Type = "loan"
	TypeReservation Type = "reservation"
)

// Status is the lifecycle state of a Loan.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusReturned Status = "returned"
	// StatusOverdue is stored and read back but no engine operation sets it.
	StatusOverdue  Status = "overdue"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReturned || s == StatusCanceled
}

// Loan is a ledger record: either a copy lent to a user or a reservation
// waiting for one.
type Loan struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	BookID     uuid.UUID  `json:"book_id"`
	Type       Type       `json:"type"`
	Status     Status     `json:"status"`
	LoanedAt   *time.Time `json:"loaned_at,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`
	RenewCount int        `json:"renew_count"`
	Note       string     `json:"note,omitempty"`
	Seq        int64      `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsActiveLoan reports whether the record currently holds a copy.
func (l *Loan) IsActiveLoan() bool {
	return l.Type == TypeLoan && l.Status == StatusActive
}

// IsPendingReservation reports whether the record is waiting in a book's queue.
func (l *Loan) IsPendingReservation() bool {
	return l.Type == TypeReservation && l.Status == StatusPending
}

// HoldsLoanSlot reports whether the record occupies the (user, book) loan
// uniqueness slot.
func (l *Loan) HoldsLoanSlot() bool {
	return l.Type == TypeLoan && (l.Status == StatusPending || l.Status == StatusActive)
}

// activate turns the record into an active loan starting at now.
func (l *Loan) activate(now time.Time, period time.Duration) {
	due := now.Add(period)
	l.Type = TypeLoan
	l.Status = StatusActive
	l.LoanedAt = &now
	l.DueAt = &due
	l.UpdatedAt = now
}

func (l *Loan) markReturned(now time.Time) {
	l.Status = StatusReturned
	l.ReturnedAt = &now
	l.UpdatedAt = now
}

func (l *Loan) markCanceled(now time.Time) {
	l.Status = StatusCanceled
	l.CanceledAt = &now
	l.UpdatedAt = now
}

// extend pushes the due date out from its current value, not from now.
func (l *Loan) extend(now time.Time, period time.Duration) {
	base := now
	if l.DueAt != nil {
		base = *l.DueAt
	}
	due := base.Add(period)
	l.DueAt = &due
	l.RenewCount++
	l.UpdatedAt = now
}

// Filter narrows ListLoans. Zero values match everything.
type Filter struct {
	UserID uuid.UUID
	BookID uuid.UUID
	Type   Type
	Status Status
	Limit  int
	Offset int
}

// Matches reports whether l satisfies the filter's predicates.
func (f Filter) Matches(l *Loan) bool {
	if f.UserID != uuid.Nil && l.UserID != f.UserID {
		return false
	}
	if f.BookID != uuid.Nil && l.BookID != f.BookID {
		return false
	}
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}
