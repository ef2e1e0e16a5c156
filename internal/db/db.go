package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx that queries run against. It is satisfied by
// *pgxpool.Pool, *pgxpool.Conn, *pgx.Conn and pgx.Tx, so the same query
// functions work inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles all repository functions over a single DBTX.
type Queries struct {
	db DBTX
}

// New creates a Queries instance over the given connection, pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}
