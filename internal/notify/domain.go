// internal/notify/domain.go
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type classifies a notification.
type Type string

const (
	TypeReservationAvailable Type = "reservation_available"
	TypeLoanRenewed          Type = "loan_renewed"
	TypeLoanDueSoon          Type = "loan_due_soon"
)

var ErrNotFound = errors.New("notification not found")

// Notification is a message for a single user, optionally tied to a loan.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Type      Type       `json:"type"`
	Message   string     `json:"message"`
	LoanID    *uuid.UUID `json:"loan_id,omitempty"`
	IsRead    bool       `json:"is_read"`
	CreatedAt time.Time  `json:"created_at"`
}

// Sink receives notifications emitted after a committed engine transaction.
// Delivery and retry are the sink's concern.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Inbox is the persisted, per-user notification list.
type Inbox interface {
	Sink
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool) ([]Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) (*Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
}
