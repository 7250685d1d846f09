package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
	"libralend/internal/journal"
)

const bookColumns = `id, title, total_copies, available_copies, status, created_at, updated_at`

const loanColumns = `id, seq, user_id, book_id, type, status, loaned_at, due_at, returned_at,
	canceled_at, renew_count, note, created_at, updated_at`

type tx struct {
	q dbTx
}

func (t *tx) GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
	return getBook(ctx, t.q, id, "")
}

func (t *tx) LockBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
	return getBook(ctx, t.q, id, "FOR NO KEY UPDATE")
}

func (t *tx) SaveBook(ctx context.Context, b *inventory.Book) error {
	n, err := t.q.Exec(ctx, `
		UPDATE books
		SET total_copies = $2, available_copies = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, b.ID, b.TotalCopies, b.AvailableCopies, string(b.Status), b.UpdatedAt)
	if err != nil {
		return classify("update book", err)
	}
	if n == 0 {
		return fmt.Errorf("book %s: %w", b.ID, circulation.ErrNotFound)
	}
	return nil
}

func (t *tx) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	return getLoan(ctx, t.q, id, "")
}

func (t *tx) LockLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	return getLoan(ctx, t.q, id, "FOR NO KEY UPDATE")
}

func (t *tx) InsertLoan(ctx context.Context, l *circulation.Loan) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO loans (id, user_id, book_id, type, status, loaned_at, due_at, returned_at,
			canceled_at, renew_count, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq
	`, l.ID, l.UserID, l.BookID, string(l.Type), string(l.Status),
		l.LoanedAt, l.DueAt, l.ReturnedAt, l.CanceledAt,
		l.RenewCount, l.Note, l.CreatedAt, l.UpdatedAt,
	).Scan(&l.Seq)
	if err != nil {
		return classify("insert loan", err)
	}
	return nil
}

func (t *tx) SaveLoan(ctx context.Context, l *circulation.Loan) error {
	n, err := t.q.Exec(ctx, `
		UPDATE loans
		SET type = $2, status = $3, loaned_at = $4, due_at = $5, returned_at = $6,
			canceled_at = $7, renew_count = $8, note = $9, updated_at = $10
		WHERE id = $1
	`, l.ID, string(l.Type), string(l.Status), l.LoanedAt, l.DueAt, l.ReturnedAt,
		l.CanceledAt, l.RenewCount, l.Note, l.UpdatedAt)
	if err != nil {
		return classify("update loan", err)
	}
	if n == 0 {
		return fmt.Errorf("loan %s: %w", l.ID, circulation.ErrNotFound)
	}
	return nil
}

// NextPendingReservation picks the oldest pending reservation that is not
// locked by another transaction and whose user does not already hold the
// book. Postgres re-checks the WHERE clause once the row lock is granted.
func (t *tx) NextPendingReservation(ctx context.Context, bookID uuid.UUID) (*circulation.Loan, error) {
	loans, err := queryLoans(ctx, t.q, `
		SELECT `+loanColumns+`
		FROM loans r
		WHERE r.book_id = $1
		  AND r.type = 'reservation'
		  AND r.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM loans l
			WHERE l.user_id = r.user_id
			  AND l.book_id = r.book_id
			  AND l.type = 'loan'
			  AND l.status IN ('pending', 'active')
		  )
		ORDER BY r.created_at, r.seq
		LIMIT 1
		FOR NO KEY UPDATE OF r SKIP LOCKED
	`, bookID)
	if err != nil {
		return nil, err
	}
	if len(loans) == 0 {
		return nil, nil
	}
	return loans[0], nil
}

func (t *tx) HasOpenLoan(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE user_id = $1 AND book_id = $2
			  AND type = 'loan' AND status IN ('pending', 'active')
		)
	`, userID, bookID).Scan(&exists)
	if err != nil {
		return false, classify("check open loan", err)
	}
	return exists, nil
}

func (t *tx) CountActiveLoans(ctx context.Context, bookID uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT count(*) FROM loans
		WHERE book_id = $1 AND type = 'loan' AND status = 'active'
	`, bookID).Scan(&n)
	if err != nil {
		return 0, classify("count active loans", err)
	}
	return n, nil
}

func (t *tx) Append(ctx context.Context, ev journal.Event) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO loan_events (aggregate_id, aggregate_type, event_type, event_data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.AggregateID, ev.AggregateType, ev.EventType, string(ev.EventData), ev.OccurredAt)
	if err != nil {
		return classify("append event", err)
	}
	return nil
}

func getBook(ctx context.Context, q executor, id uuid.UUID, lock string) (*inventory.Book, error) {
	var (
		b      inventory.Book
		status string
	)
	err := q.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1 `+lock, id).
		Scan(&b.ID, &b.Title, &b.TotalCopies, &b.AvailableCopies, &status, &b.CreatedAt, &b.UpdatedAt)
	if errNoRows(err) {
		return nil, fmt.Errorf("book %s: %w", id, circulation.ErrNotFound)
	}
	if err != nil {
		return nil, classify("select book", err)
	}
	b.Status = inventory.Status(status)
	return &b, nil
}

func getLoan(ctx context.Context, q executor, id uuid.UUID, lock string) (*circulation.Loan, error) {
	l, err := scanLoan(q.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 `+lock, id))
	if errNoRows(err) {
		return nil, fmt.Errorf("loan %s: %w", id, circulation.ErrNotFound)
	}
	if err != nil {
		return nil, classify("select loan", err)
	}
	return l, nil
}

func queryLoans(ctx context.Context, q executor, query string, args ...any) ([]*circulation.Loan, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query loans", err)
	}
	defer rows.Close()

	var loans []*circulation.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate loans", err)
	}
	return loans, nil
}

func scanLoan(row dbRow) (*circulation.Loan, error) {
	var (
		l           circulation.Loan
		typ, status string
	)
	var loanedAt, dueAt, returnedAt, cancelAt sql.NullTime
	err := row.Scan(&l.ID, &l.Seq, &l.UserID, &l.BookID, &typ, &status,
		&loanedAt, &dueAt, &returnedAt, &cancelAt,
		&l.RenewCount, &l.Note, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Type = circulation.Type(typ)
	l.Status = circulation.Status(status)
	l.LoanedAt = nullTime(loanedAt)
	l.DueAt = nullTime(dueAt)
	l.ReturnedAt = nullTime(returnedAt)
	l.CanceledAt = nullTime(cancelAt)
	return &l, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
