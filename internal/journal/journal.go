// Package journal records the lifecycle of loans and books as an append-only
// sequence of events. Events are appended inside the same transaction as the
// ledger and inventory mutation they describe, so history never diverges from
// state.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrEmptyEventType = errors.New("event type must not be empty")

// Aggregate types.
const (
	AggregateLoan = "loan"
	AggregateBook = "book"
)

// Event types.
const (
	LoanBorrowed           = "LoanBorrowed"
	ReservationPlaced      = "ReservationPlaced"
	LoanReturned           = "LoanReturned"
	ReservationPromoted    = "ReservationPromoted"
	LoanRenewed            = "LoanRenewed"
	ReservationCanceled    = "ReservationCanceled"
	CapacityAdjusted       = "CapacityAdjusted"
	AvailabilityReconciled = "AvailabilityReconciled"
)

// Event is one journal entry.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// LoanEvent is the payload of every loan-scoped event.
type LoanEvent struct {
	LoanID     uuid.UUID  `json:"loan_id"`
	UserID     uuid.UUID  `json:"user_id"`
	BookID     uuid.UUID  `json:"book_id"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	RenewCount int        `json:"renew_count,omitempty"`
}

// BookEvent is the payload of book-scoped events.
type BookEvent struct {
	BookID          uuid.UUID `json:"book_id"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	ActiveLoans     int       `json:"active_loans"`
}

// New builds an event with an encoded payload.
func New(aggregateType, eventType string, aggregateID uuid.UUID, payload any, at time.Time) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEmptyEventType
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		OccurredAt:    at.UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := codec.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.EventType, err)
	}
	return nil
}
