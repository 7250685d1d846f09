// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/inventory"
	"libralend/internal/journal"
	"libralend/internal/notify"
)

// service implements the Service interface.
type service struct {
	store         Store
	sink          notify.Sink
	notifyTimeout time.Duration
	policy        Policy
	clock         Clock
	logger        Logger

	tracer     trace.Tracer
	operations metric.Int64Counter
	promotions metric.Int64Counter
}

// NewService creates a new loan engine on top of store.
func NewService(store Store, opts ...Option) Service {
	meter := otel.Meter("libralend/circulation")
	operations, _ := meter.Int64Counter("circulation.operations")
	promotions, _ := meter.Int64Counter("circulation.promotions")

	s := &service{
		store:         store,
		notifyTimeout: 2 * time.Second,
		policy:        DefaultPolicy(),
		clock:         realClock{},
		logger:        nopLogger{},
		tracer:        otel.Tracer("libralend/circulation"),
		operations:    operations,
		promotions:    promotions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Borrow lends one copy of the book to the user.
func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID) (_ *Loan, err error) {
	ctx, span := s.start(ctx, "borrow", userAttr(userID), bookAttr(bookID))
	defer func() { s.end(ctx, span, "borrow", err) }()

	now := s.clock.Now()
	var loan *Loan

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		// Availability is only trustworthy once the row lock is held.
		book, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		if book.AvailableCopies <= 0 {
			return ErrNotEnoughCopies
		}

		held, err := tx.HasOpenLoan(ctx, userID, bookID)
		if err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w: user already borrowed this book", ErrDuplicateRequest)
		}

		l := &Loan{ID: uuid.New(), UserID: userID, BookID: bookID, CreatedAt: now}
		l.activate(now, s.policy.LoanPeriod)
		if err := tx.InsertLoan(ctx, l); err != nil {
			return err
		}

		book.Take()
		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		if err := appendLoanEvent(ctx, tx, journal.LoanBorrowed, l, now); err != nil {
			return err
		}

		loan = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("book borrowed", "loan_id", loan.ID, "book_id", bookID, "user_id", userID)
	return loan, nil
}

// Reserve queues the user for the next free copy of the book. Capacity is
// not checked and inventory is not touched.
func (s *service) Reserve(ctx context.Context, userID, bookID uuid.UUID) (_ *Loan, err error) {
	ctx, span := s.start(ctx, "reserve", userAttr(userID), bookAttr(bookID))
	defer func() { s.end(ctx, span, "reserve", err) }()

	now := s.clock.Now()
	reservation := &Loan{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    bookID,
		Type:      TypeReservation,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetBook(ctx, bookID); err != nil {
			return err
		}
		if err := tx.InsertLoan(ctx, reservation); err != nil {
			return err
		}
		return appendLoanEvent(ctx, tx, journal.ReservationPlaced, reservation, now)
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// Return closes an active loan and hands the freed copy to the oldest
// selectable reservation, if any.
func (s *service) Return(ctx context.Context, loanID uuid.UUID) (_ *Loan, err error) {
	ctx, span := s.start(ctx, "return", loanAttr(loanID))
	defer func() { s.end(ctx, span, "return", err) }()

	now := s.clock.Now()
	var (
		returned *Loan
		promoted *Loan
		notes    []notify.Notification
	)

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !current.IsActiveLoan() {
			return invalidState("only an active loan can be returned (type=%s, status=%s)", current.Type, current.Status)
		}

		// Lock order is book, then loan rows; every engine path follows it.
		book, err := tx.LockBook(ctx, current.BookID)
		if err != nil {
			return err
		}
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !l.IsActiveLoan() {
			return invalidState("only an active loan can be returned (type=%s, status=%s)", l.Type, l.Status)
		}

		l.markReturned(now)
		if err := tx.SaveLoan(ctx, l); err != nil {
			return err
		}
		active, err := tx.CountActiveLoans(ctx, book.ID)
		if err != nil {
			return err
		}
		book.Release(active)
		if err := appendLoanEvent(ctx, tx, journal.LoanReturned, l, now); err != nil {
			return err
		}

		if book.AvailableCopies > 0 {
			next, err := tx.NextPendingReservation(ctx, book.ID)
			if err != nil {
				return err
			}
			if next != nil {
				next.activate(now, s.policy.LoanPeriod)
				if err := tx.SaveLoan(ctx, next); err != nil {
					return err
				}
				book.Take()
				if err := appendLoanEvent(ctx, tx, journal.ReservationPromoted, next, now); err != nil {
					return err
				}
				promoted = next
				notes = append(notes, s.notification(next, notify.TypeReservationAvailable,
					fmt.Sprintf("Your reservation for %s is now available.", bookLabel(book)), now))
			}
		}

		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}

		returned = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	if promoted != nil {
		s.promotions.Add(ctx, 1)
		s.logger.Info("reservation promoted", "loan_id", promoted.ID, "book_id", promoted.BookID, "user_id", promoted.UserID)
	}
	s.emit(ctx, notes...)
	return returned, nil
}

// Renew extends an active loan by the renewal period, counted from the
// current due date.
func (s *service) Renew(ctx context.Context, loanID uuid.UUID) (_ *Loan, err error) {
	ctx, span := s.start(ctx, "renew", loanAttr(loanID))
	defer func() { s.end(ctx, span, "renew", err) }()

	now := s.clock.Now()
	var renewed *Loan

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !l.IsActiveLoan() {
			return invalidState("only an active loan can be renewed (type=%s, status=%s)", l.Type, l.Status)
		}
		if l.RenewCount >= s.policy.MaxRenewals {
			return ErrRenewLimitReached
		}

		l.extend(now, s.policy.RenewPeriod)
		if err := tx.SaveLoan(ctx, l); err != nil {
			return err
		}
		if err := appendLoanEvent(ctx, tx, journal.LoanRenewed, l, now); err != nil {
			return err
		}

		renewed = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, s.notification(renewed, notify.TypeLoanRenewed,
		fmt.Sprintf("Your loan has been renewed. New due date: %s.", renewed.DueAt.Format("2006-01-02 15:04")), now))
	return renewed, nil
}

// CancelReservation withdraws a pending reservation.
func (s *service) CancelReservation(ctx context.Context, loanID uuid.UUID) (_ *Loan, err error) {
	ctx, span := s.start(ctx, "cancel_reservation", loanAttr(loanID))
	defer func() { s.end(ctx, span, "cancel_reservation", err) }()

	now := s.clock.Now()
	var canceled *Loan

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !l.IsPendingReservation() {
			return invalidState("only a pending reservation can be canceled (type=%s, status=%s)", l.Type, l.Status)
		}

		l.markCanceled(now)
		if err := tx.SaveLoan(ctx, l); err != nil {
			return err
		}
		if err := appendLoanEvent(ctx, tx, journal.ReservationCanceled, l, now); err != nil {
			return err
		}

		canceled = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return canceled, nil
}

// AdjustCapacity sets the book's total copies and clamps availability so it
// stays consistent with the loans currently out.
func (s *service) AdjustCapacity(ctx context.Context, bookID uuid.UUID, newTotal int) (_ *inventory.Book, err error) {
	ctx, span := s.start(ctx, "adjust_capacity", bookAttr(bookID), attribute.Int("book.new_total", newTotal))
	defer func() { s.end(ctx, span, "adjust_capacity", err) }()

	if newTotal < 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, inventory.ErrNegativeCapacity)
	}

	now := s.clock.Now()
	var adjusted *inventory.Book

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		active, err := tx.CountActiveLoans(ctx, bookID)
		if err != nil {
			return err
		}

		if err := book.SetCapacity(newTotal, active); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		if err := appendBookEvent(ctx, tx, journal.CapacityAdjusted, book, active, now); err != nil {
			return err
		}

		adjusted = book
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adjusted, nil
}

// ReconcileAvailability recomputes available copies from the ledger. It is
// a repair tool for drift and is idempotent.
func (s *service) ReconcileAvailability(ctx context.Context, bookID uuid.UUID) (_ *inventory.Book, err error) {
	ctx, span := s.start(ctx, "reconcile", bookAttr(bookID))
	defer func() { s.end(ctx, span, "reconcile", err) }()

	now := s.clock.Now()
	var reconciled *inventory.Book

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		active, err := tx.CountActiveLoans(ctx, bookID)
		if err != nil {
			return err
		}

		before := book.AvailableCopies
		book.Reconcile(active)
		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}
		if before != book.AvailableCopies {
			s.logger.Warn("availability drift repaired", "book_id", bookID, "before", before, "after", book.AvailableCopies)
		}
		if err := appendBookEvent(ctx, tx, journal.AvailabilityReconciled, book, active, now); err != nil {
			return err
		}

		reconciled = book
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reconciled, nil
}

// NotifyDueSoon sends one due-soon notification per active loan due within
// daysBefore days and returns how many were sent. Running it again notifies
// again; cadence is the caller's responsibility.
func (s *service) NotifyDueSoon(ctx context.Context, daysBefore int) (_ int, err error) {
	ctx, span := s.start(ctx, "notify_due_soon", attribute.Int("days_before", daysBefore))
	defer func() { s.end(ctx, span, "notify_due_soon", err) }()

	if daysBefore < 0 {
		return 0, fmt.Errorf("%w: days_before must be >= 0", ErrInvalidArgument)
	}

	now := s.clock.Now()
	loans, err := s.store.ListDueBefore(ctx, now.Add(time.Duration(daysBefore)*day))
	if err != nil {
		return 0, err
	}

	for _, l := range loans {
		s.emit(ctx, s.notification(l, notify.TypeLoanDueSoon,
			fmt.Sprintf("Your loan is due on %s.", l.DueAt.Format("2006-01-02 15:04")), now))
	}

	span.SetAttributes(attribute.Int("notified", len(loans)))
	s.logger.Info("due-soon sweep finished", "days_before", daysBefore, "notified", len(loans))
	return len(loans), nil
}

func (s *service) GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	return s.store.GetLoan(ctx, loanID)
}

func (s *service) GetBook(ctx context.Context, bookID uuid.UUID) (*inventory.Book, error) {
	return s.store.GetBook(ctx, bookID)
}

func (s *service) ListLoans(ctx context.Context, f Filter) ([]*Loan, error) {
	return s.store.ListLoans(ctx, f)
}

func (s *service) History(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error) {
	return s.store.History(ctx, aggregateID)
}

// emit hands notifications to the sink after commit. Failures are logged and
// never reach the caller: the ledger change is already durable. Delivery
// survives the caller's cancellation but is bounded by notifyTimeout.
func (s *service) emit(ctx context.Context, notes ...notify.Notification) {
	if s.sink == nil || len(notes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	for _, n := range notes {
		if err := s.sink.Send(ctx, n); err != nil {
			s.logger.Warn("notification not delivered", "user_id", n.UserID, "type", string(n.Type), "error", err)
		}
	}
}

func (s *service) notification(l *Loan, t notify.Type, msg string, now time.Time) notify.Notification {
	loanID := l.ID
	return notify.Notification{
		ID:        uuid.New(),
		UserID:    l.UserID,
		Type:      t,
		Message:   msg,
		LoanID:    &loanID,
		CreatedAt: now,
	}
}

func (s *service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
}

func (s *service) end(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		code, _ := Classify(err)
		outcome = strings.ToLower(code)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	span.End()
}

func appendLoanEvent(ctx context.Context, tx Tx, eventType string, l *Loan, now time.Time) error {
	ev, err := journal.New(journal.AggregateLoan, eventType, l.ID, journal.LoanEvent{
		LoanID:     l.ID,
		UserID:     l.UserID,
		BookID:     l.BookID,
		DueAt:      l.DueAt,
		RenewCount: l.RenewCount,
	}, now)
	if err != nil {
		return err
	}
	return tx.Append(ctx, ev)
}

func appendBookEvent(ctx context.Context, tx Tx, eventType string, b *inventory.Book, active int, now time.Time) error {
	ev, err := journal.New(journal.AggregateBook, eventType, b.ID, journal.BookEvent{
		BookID:          b.ID,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		ActiveLoans:     active,
	}, now)
	if err != nil {
		return err
	}
	return tx.Append(ctx, ev)
}

func bookLabel(b *inventory.Book) string {
	if b.Title != "" {
		return fmt.Sprintf("%q", b.Title)
	}
	return "book " + b.ID.String()
}

func userAttr(id uuid.UUID) attribute.KeyValue { return attribute.String("user.id", id.String()) }
func bookAttr(id uuid.UUID) attribute.KeyValue { return attribute.String("book.id", id.String()) }
func loanAttr(id uuid.UUID) attribute.KeyValue { return attribute.String("loan.id", id.String()) }
