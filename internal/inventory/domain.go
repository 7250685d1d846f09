// internal/inventory/domain.go
package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lending status of a book.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusMaintenance Status = "maintenance"
)

var ErrNegativeCapacity = errors.New("total copies must be >= 0")

// Book is the inventory aggregate for a lendable title.
type Book struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title,omitempty"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Valid reports whether the copy counts satisfy 0 <= available <= total.
func (b *Book) Valid() bool {
	return b.AvailableCopies >= 0 && b.AvailableCopies <= b.TotalCopies
}

// DeriveStatus recomputes Status from AvailableCopies.
// A maintenance flag set by an administrator is left untouched.
func (b *Book) DeriveStatus() {
	if b.Status == StatusMaintenance {
		return
	}
	if b.AvailableCopies > 0 {
		b.Status = StatusAvailable
	} else {
		b.Status = StatusUnavailable
	}
}

// Take removes one copy from the shelf. The caller must hold the book's row lock.
func (b *Book) Take() bool {
	if b.AvailableCopies <= 0 {
		return false
	}
	b.AvailableCopies--
	b.DeriveStatus()
	return true
}

// Release puts one copy back on the shelf. activeLoans is the ledger count
// after the returning loan was closed; the shelf never holds more than the
// copies nobody is borrowing, which matters after a capacity reduction.
func (b *Book) Release(activeLoans int) {
	if b.AvailableCopies < ShelfCopies(b.TotalCopies, activeLoans) {
		b.AvailableCopies++
	}
	b.DeriveStatus()
}

// SetCapacity changes the total copy count and puts on the shelf exactly the
// copies not held by active loans, never fewer than zero.
func (b *Book) SetCapacity(newTotal, activeLoans int) error {
	if newTotal < 0 {
		return ErrNegativeCapacity
	}
	b.TotalCopies = newTotal
	b.AvailableCopies = ShelfCopies(newTotal, activeLoans)
	b.DeriveStatus()
	return nil
}

// Reconcile recomputes AvailableCopies from the number of active loans.
func (b *Book) Reconcile(activeLoans int) {
	b.AvailableCopies = ShelfCopies(b.TotalCopies, activeLoans)
	b.DeriveStatus()
}

// ShelfCopies is max(total-active, 0).
func ShelfCopies(total, active int) int {
	return max(total-active, 0)
}
