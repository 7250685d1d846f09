package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"libralend/internal/circulation"
)

// sqlState extracts the SQLSTATE from either driver's error type.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify maps datastore failures onto the engine's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	switch sqlState(err) {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%s: %w: %w", op, circulation.ErrDuplicateRequest, err)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%s: %w: %w", op, circulation.ErrNotFound, err)
	case pgerrcode.CheckViolation:
		return fmt.Errorf("%s: %w: %w", op, circulation.ErrInvalidArgument, err)
	case pgerrcode.LockNotAvailable,
		pgerrcode.DeadlockDetected,
		pgerrcode.SerializationFailure,
		pgerrcode.QueryCanceled,
		pgerrcode.AdminShutdown,
		pgerrcode.CannotConnectNow:
		return fmt.Errorf("%s: %w: %w", op, circulation.ErrTransient, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, circulation.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
