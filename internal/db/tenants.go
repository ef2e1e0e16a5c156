package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant row in the public schema.
func (q *Queries) CreateTenant(ctx context.Context, name, slug string) (Tenant, error) {
	var t Tenant
	err := q.db.QueryRow(ctx,
		`INSERT INTO public.tenants (name, slug)
		 VALUES ($1, $2)
		 RETURNING id, name, slug, created_at`,
		name, slug,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("inserting tenant: %w", err)
	}
	return t, nil
}

// GetTenantBySlug looks up a tenant by its slug.
func (q *Queries) GetTenantBySlug(ctx context.Context, slug string) (Tenant, error) {
	var t Tenant
	err := q.db.QueryRow(ctx,
		`SELECT id, name, slug, created_at FROM public.tenants WHERE slug = $1`,
		slug,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt)
	if err != nil {
		return Tenant{}, err
	}
	return t, nil
}

// ListTenants returns all tenants.
func (q *Queries) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, name, slug, created_at FROM public.tenants ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant row.
func (q *Queries) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
	return err
}
