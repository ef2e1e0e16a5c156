package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/pkg/tenant"
)

// cleanupCheckpoints clears the checkpoint blobs of terminal attempts older
// than the retention window, tenant by tenant.
func cleanupCheckpoints(ctx context.Context, pool *pgxpool.Pool, retention time.Duration, logger *slog.Logger) {
	tenants, err := db.New(pool).ListTenants(ctx)
	if err != nil {
		logger.Error("listing tenants for checkpoint cleanup", "error", err)
		return
	}

	cutoff := time.Now().UTC().Add(-retention)
	for _, t := range tenants {
		conn, err := tenant.Acquire(ctx, pool, t.Slug)
		if err != nil {
			logger.Error("acquiring tenant connection for cleanup", "tenant", t.Slug, "error", err)
			continue
		}
		cleaned, err := db.New(conn).DeleteOldCheckpoints(ctx, cutoff)
		conn.Release()
		if err != nil {
			logger.Error("cleaning up checkpoints", "tenant", t.Slug, "error", err)
			continue
		}
		if cleaned > 0 {
			logger.Info("checkpoints cleaned", "tenant", t.Slug, "count", cleaned)
		}
	}
}
