package store

import (
	"context"
	"database/sql"
)

// BaseStore holds the shared *sql.DB handle and dialect used by both the
// SQLite and Postgres stores, plus the dialect-aware query helpers every
// domain query is built on top of.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
}

func newBaseStore(db *sql.DB, dialect Dialect) BaseStore {
	return BaseStore{db: db, dialect: dialect}
}

func (b *BaseStore) DB() *sql.DB        { return b.db }
func (b *BaseStore) Dialect() Dialect   { return b.dialect }
func (b *BaseStore) Close() error       { return b.db.Close() }

// rewrite converts a query written with ? placeholders into the active
// dialect's placeholder syntax.
func (b *BaseStore) rewrite(query string) string {
	if b.dialect.Name() == "postgres" {
		return ConvertPlaceholders(query)
	}
	return query
}

func (b *BaseStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.rewrite(query), args...)
}

func (b *BaseStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.rewrite(query), args...)
}

func (b *BaseStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return b.db.QueryRowContext(ctx, b.rewrite(query), args...)
}

// txExec and txQueryRow mirror exec and queryRow but run against a
// transaction, used by mutations that must see their own uncommitted writes.
func txExec(ctx context.Context, tx *sql.Tx, b *BaseStore, query string, args ...interface{}) (sql.Result, error) {
	return tx.ExecContext(ctx, b.rewrite(query), args...)
}

func txQueryRow(ctx context.Context, tx *sql.Tx, b *BaseStore, query string, args ...interface{}) *sql.Row {
	return tx.QueryRowContext(ctx, b.rewrite(query), args...)
}

// insertReturningID runs an INSERT and returns the generated id, using
// RETURNING on Postgres and LastInsertId on SQLite.
func insertReturningID(ctx context.Context, tx *sql.Tx, b *BaseStore, query string, args ...interface{}) (int64, error) {
	if b.dialect.Name() == "postgres" {
		var id int64
		if err := txQueryRow(ctx, tx, b, query+" "+b.dialect.ReturningClause("id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := txExec(ctx, tx, b, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
