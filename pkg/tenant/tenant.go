package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Info holds the resolved tenant metadata for the current unit of work.
type Info struct {
	ID     uuid.UUID
	Name   string
	Slug   string
	Schema string
}

// SchemaName returns the PostgreSQL schema name for a tenant slug.
func SchemaName(slug string) string {
	return fmt.Sprintf("tenant_%s", slug)
}

// KeyPrefix returns the Redis key prefix for a tenant slug. All KV broker
// keys for a tenant live under this prefix.
func KeyPrefix(slug string) string {
	return fmt.Sprintf("t:%s:", slug)
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context.
// Returns nil if no tenant is set.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}

// Acquire checks out a pooled connection bound to the tenant's schema.
// The caller must Release the connection when the unit of work completes.
func Acquire(ctx context.Context, pool *pgxpool.Pool, slug string) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(slug))); err != nil {
		conn.Release()
		return nil, fmt.Errorf("setting search_path: %w", err)
	}
	return conn, nil
}
