// Package postgres implements the circulation store on PostgreSQL.
//
// Row locks are real Postgres row locks taken under READ COMMITTED:
// books and loans are locked FOR NO KEY UPDATE so that loan inserts, whose
// foreign key check takes a KEY SHARE lock on the book, never queue behind a
// Borrow. The reservation queue is read with SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
	"libralend/internal/journal"
)

//go:embed schema.sql
var schema string

// Driver names accepted by Open.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Store is a circulation.Store backed by PostgreSQL.
type Store struct {
	db          database
	tracer      trace.Tracer
	lockTimeout time.Duration
	now         func() time.Time
}

var _ circulation.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
// Exceeding it surfaces as circulation.ErrTransient.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// Open connects with the named driver: DriverPQ uses database/sql with
// lib/pq, DriverPGX uses a pgx connection pool.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var db database
	switch driver {
	case DriverPQ, "":
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db = &sqlAdapter{db: sqlDB}
	case DriverPGX:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open pool: %w", err)
		}
		db = &pgxAdapter{pool: pool}
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newStore(db, opts...), nil
}

// NewFromDB wraps an existing database/sql handle.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return newStore(&sqlAdapter{db: db}, opts...)
}

// NewFromPool wraps an existing pgx pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	return newStore(&pgxAdapter{pool: pool}, opts...)
}

func newStore(db database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		tracer: otel.Tracer("libralend/postgres"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

// WithinTx runs fn inside a READ COMMITTED transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) (err error) {
	ctx, span := s.tracer.Start(ctx, "postgres.tx")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dbtx, err := s.db.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer dbtx.Rollback(context.WithoutCancel(ctx))

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := dbtx.Exec(ctx, stmt); err != nil {
			return classify("set lock timeout", err)
		}
	}

	if err := fn(ctx, &tx{q: dbtx}); err != nil {
		return err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}

func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
	return getBook(ctx, s.db, id, "")
}

func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	return getLoan(ctx, s.db, id, "")
}

func (s *Store) ListLoans(ctx context.Context, f circulation.Filter) ([]*circulation.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.list_loans")
	defer span.End()

	query := `SELECT ` + loanColumns + ` FROM loans WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != uuid.Nil {
		query += " AND user_id = " + arg(f.UserID)
	}
	if f.BookID != uuid.Nil {
		query += " AND book_id = " + arg(f.BookID)
	}
	if f.Type != "" {
		query += " AND type = " + arg(string(f.Type))
	}
	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	loans, err := queryLoans(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("loans.count", len(loans)))
	return loans, nil
}

func (s *Store) ListDueBefore(ctx context.Context, edge time.Time) ([]*circulation.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.list_due_before")
	defer span.End()

	return queryLoans(ctx, s.db, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE type = 'loan' AND status = 'active' AND due_at <= $1
		ORDER BY due_at, seq
	`, edge)
}

func (s *Store) History(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.history",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	rows, err := s.db.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, occurred_at
		FROM loan_events
		WHERE aggregate_id = $1
		ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		return nil, classify("query history", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var (
			ev   journal.Event
			data []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &ev.EventType, &data, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventData = data
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate history", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CreateBook seeds a book with every copy on the shelf.
func (s *Store) CreateBook(ctx context.Context, title string, totalCopies int) (*inventory.Book, error) {
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

	_, err := s.db.Exec(ctx, `
		INSERT INTO books (id, title, total_copies, available_copies, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.Title, b.TotalCopies, b.AvailableCopies, string(b.Status), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return nil, classify("insert book", err)
	}
	return b, nil
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
// It exists to rehearse drift repair; values outside [0, total] are rejected
// by the table constraints.
func (s *Store) SetAvailable(ctx context.Context, bookID uuid.UUID, available int) error {
	return s.overrideBook(ctx, bookID, func(b *inventory.Book) {
		b.AvailableCopies = available
		b.DeriveStatus()
	})
}

func (s *Store) overrideBook(ctx context.Context, bookID uuid.UUID, fn func(*inventory.Book)) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		b, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		fn(b)
		b.UpdatedAt = s.now()
		return tx.SaveBook(ctx, b)
	})
}

// CountInconsistentBooks reports books whose counts break the shelf invariant.
func (s *Store) CountInconsistentBooks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM books
		WHERE available_copies < 0 OR available_copies > total_copies
	`).Scan(&n)
	if err != nil {
		return 0, classify("count inconsistent books", err)
	}
	return n, nil
}
