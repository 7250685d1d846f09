package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"libralend/internal/notify"
)

// Inbox persists notifications in the notifications table.
type Inbox struct {
	db database
}

var _ notify.Inbox = (*Inbox)(nil)

// Inbox returns a notification inbox sharing the store's connection.
func (s *Store) Inbox() *Inbox {
	return &Inbox{db: s.db}
}

func (i *Inbox) Send(ctx context.Context, n notify.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := i.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, message, loan_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, string(n.Type), n.Message, nullUUID(n.LoanID), n.IsRead, n.CreatedAt)
	if err != nil {
		return classify("insert notification", err)
	}
	return nil
}

// List returns the user's notifications, newest first.
func (i *Inbox) List(ctx context.Context, userID uuid.UUID, unreadOnly bool) ([]notify.Notification, error) {
	query := `
		SELECT id, user_id, type, message, loan_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := i.db.Query(ctx, query, userID)
	if err != nil {
		return nil, classify("query notifications", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate notifications", err)
	}
	return out, nil
}

func (i *Inbox) MarkRead(ctx context.Context, id, userID uuid.UUID) (*notify.Notification, error) {
	n, err := scanNotification(i.db.QueryRow(ctx, `
		UPDATE notifications SET is_read = true
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, type, message, loan_id, is_read, created_at
	`, id, userID))
	if errNoRows(err) {
		return nil, notify.ErrNotFound
	}
	if err != nil {
		return nil, classify("mark notification read", err)
	}
	return n, nil
}

func (i *Inbox) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := i.db.Exec(ctx, `
		UPDATE notifications SET is_read = true
		WHERE user_id = $1 AND NOT is_read
	`, userID)
	if err != nil {
		return 0, classify("mark all notifications read", err)
	}
	return int(n), nil
}

func scanNotification(row dbRow) (*notify.Notification, error) {
	var (
		n      notify.Notification
		typ    string
		loanID uuid.NullUUID
	)
	if err := row.Scan(&n.ID, &n.UserID, &typ, &n.Message, &loanID, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = notify.Type(typ)
	if loanID.Valid {
		id := loanID.UUID
		n.LoanID = &id
	}
	return &n, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
