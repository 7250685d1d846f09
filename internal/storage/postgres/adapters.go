package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// executor is the query surface shared by pools and transactions of both drivers.
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (dbRows, error)
	QueryRow(ctx context.Context, query string, args ...any) dbRow
}

type dbRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

type dbRow interface {
	Scan(dest ...any) error
}

type dbTx interface {
	executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// database abstracts *sql.DB (lib/pq) and *pgxpool.Pool.
type database interface {
	executor
	Begin(ctx context.Context) (dbTx, error)
	Ping(ctx context.Context) error
	Close() error
}

// errNoRows unifies sql.ErrNoRows and pgx.ErrNoRows.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// sqlAdapter runs on database/sql.
type sqlAdapter struct {
	db *sql.DB
}

func (a *sqlAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqlExec(ctx, a.db, query, args...)
}

func (a *sqlAdapter) Query(ctx context.Context, query string, args ...any) (dbRows, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *sqlAdapter) QueryRow(ctx context.Context, query string, args ...any) dbRow {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a *sqlAdapter) Begin(ctx context.Context) (dbTx, error) {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (a *sqlAdapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }
func (a *sqlAdapter) Close() error                   { return a.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqlExec(ctx, t.tx, query, args...)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (dbRows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) dbRow {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqlExec(ctx context.Context, e sqlExecer, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// pgxAdapter runs on a pgx connection pool.
type pgxAdapter struct {
	pool *pgxpool.Pool
}

func (a *pgxAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := a.pool.Exec(ctx, query, args...)
	return tag.RowsAffected(), err
}

func (a *pgxAdapter) Query(ctx context.Context, query string, args ...any) (dbRows, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (a *pgxAdapter) QueryRow(ctx context.Context, query string, args ...any) dbRow {
	return a.pool.QueryRow(ctx, query, args...)
}

func (a *pgxAdapter) Begin(ctx context.Context) (dbTx, error) {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (a *pgxAdapter) Ping(ctx context.Context) error { return a.pool.Ping(ctx) }

func (a *pgxAdapter) Close() error {
	a.pool.Close()
	return nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	return tag.RowsAffected(), err
}

func (t *pgxTx) Query(ctx context.Context, query string, args ...any) (dbRows, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, query string, args ...any) dbRow {
	return t.tx.QueryRow(ctx, query, args...)
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// pgxRows adapts pgx.Rows, whose Close has no error result.
type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *pgxRows) Err() error             { return r.rows.Err() }

func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}
