package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/circulation"
	"libralend/internal/inventory"
)

var errRollback = errors.New("rollback")

func reservation(userID, bookID uuid.UUID, at time.Time) *circulation.Loan {
	return &circulation.Loan{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    bookID,
		Type:      circulation.TypeReservation,
		Status:    circulation.StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestStagedWritesInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 1)
	require.NoError(t, err)

	r := reservation(uuid.New(), book.ID, time.Now())
	err = s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.InsertLoan(ctx, r))

		_, err := s.GetLoan(ctx, r.ID)
		assert.ErrorIs(t, err, circulation.ErrNotFound)

		got, err := tx.GetLoan(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetLoan(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusPending, got.Status)
	assert.NotZero(t, got.Seq)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 2)
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		b, err := tx.LockBook(ctx, book.ID)
		require.NoError(t, err)
		b.Take()
		require.NoError(t, tx.SaveBook(ctx, b))
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AvailableCopies)
}

func TestLockBookBlocksUntilContextDone(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 1)
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
			if _, err := tx.LockBook(ctx, book.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = s.WithinTx(waitCtx, func(ctx context.Context, tx circulation.Tx) error {
		_, err := tx.LockBook(ctx, book.ID)
		return err
	})
	assert.ErrorIs(t, err, circulation.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	// Released on commit.
	err = s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		_, err := tx.LockBook(ctx, book.ID)
		return err
	})
	assert.NoError(t, err)
}

func TestNextPendingReservationSkipsLockedRows(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 1)
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	first := reservation(uuid.New(), book.ID, base)
	second := reservation(uuid.New(), book.ID, base.Add(time.Minute))
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.InsertLoan(ctx, second))
		return tx.InsertLoan(ctx, first)
	}))

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
			if _, err := tx.LockLoan(ctx, first.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		next, err := tx.NextPendingReservation(ctx, book.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, second.ID, next.ID)
		return nil
	}))

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		next, err := tx.NextPendingReservation(ctx, book.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, first.ID, next.ID)
		return nil
	}))
}

func TestNextPendingReservationSkipsUsersHoldingTheBook(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 2)
	require.NoError(t, err)

	holder := uuid.New()
	now := time.Now()
	loan := &circulation.Loan{
		ID: uuid.New(), UserID: holder, BookID: book.ID,
		Type: circulation.TypeLoan, Status: circulation.StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.InsertLoan(ctx, loan))
		return tx.InsertLoan(ctx, reservation(holder, book.ID, now))
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		next, err := tx.NextPendingReservation(ctx, book.ID)
		require.NoError(t, err)
		assert.Nil(t, next)
		return nil
	}))
}

func TestUniquenessCheckedAtInsertAndCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 1)
	require.NoError(t, err)
	user := uuid.New()

	err = s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.InsertLoan(ctx, reservation(user, book.ID, time.Now())))
		return tx.InsertLoan(ctx, reservation(user, book.ID, time.Now()))
	})
	assert.ErrorIs(t, err, circulation.ErrDuplicateRequest)

	// Two transactions that each pass the insert check race to commit.
	inserted := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
			if err := tx.InsertLoan(ctx, reservation(user, book.ID, time.Now())); err != nil {
				return err
			}
			close(inserted)
			<-proceed
			return nil
		})
	}()
	<-inserted

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
		return tx.InsertLoan(ctx, reservation(user, book.ID, time.Now()))
	}))
	close(proceed)
	assert.ErrorIs(t, <-done, circulation.ErrDuplicateRequest)

	loans, err := s.ListLoans(ctx, circulation.Filter{UserID: user})
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestInsertLoanForUnknownBook(t *testing.T) {
	s := New()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx circulation.Tx) error {
		return tx.InsertLoan(ctx, reservation(uuid.New(), uuid.New(), time.Now()))
	})
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func TestAdministrativeOverrides(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 2)
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, book.ID, inventory.StatusMaintenance))
	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusMaintenance, got.Status)

	require.NoError(t, s.SetStatus(ctx, book.ID, inventory.StatusAvailable))
	require.NoError(t, s.SetAvailable(ctx, book.ID, 5))
	n, err := s.CountInconsistentBooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.SetAvailable(ctx, uuid.New(), 1), circulation.ErrNotFound)
}

func TestListLoansPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	book, err := s.CreateBook(ctx, "Dune", 1)
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		r := reservation(uuid.New(), book.ID, time.Now())
		ids = append(ids, r.ID)
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx circulation.Tx) error {
			return tx.InsertLoan(ctx, r)
		}))
	}

	got, err := s.ListLoans(ctx, circulation.Filter{BookID: book.ID, Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)

	got, err = s.ListLoans(ctx, circulation.Filter{BookID: book.ID, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}
