package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// CreateSyncRecord opens an IN_PROGRESS sync record for an entity.
func (q *Queries) CreateSyncRecord(ctx context.Context, entityID string, syncType SyncType) (SyncRecord, error) {
	var r SyncRecord
	err := q.db.QueryRow(ctx,
		`INSERT INTO sync_records (entity_id, sync_type, status)
		 VALUES ($1, $2, 'IN_PROGRESS')
		 RETURNING id, entity_id, sync_type, status, num_docs_synced, created_at, ended_at`,
		entityID, syncType,
	).Scan(&r.ID, &r.EntityID, &r.SyncType, &r.Status, &r.NumDocsSynced, &r.CreatedAt, &r.EndedAt)
	return r, err
}

// GetOpenSyncRecord returns the IN_PROGRESS record for an entity, if any.
func (q *Queries) GetOpenSyncRecord(ctx context.Context, entityID string, syncType SyncType) (SyncRecord, bool, error) {
	var r SyncRecord
	err := q.db.QueryRow(ctx,
		`SELECT id, entity_id, sync_type, status, num_docs_synced, created_at, ended_at
		 FROM sync_records
		 WHERE entity_id = $1 AND sync_type = $2 AND status = 'IN_PROGRESS'
		 ORDER BY created_at DESC LIMIT 1`,
		entityID, syncType,
	).Scan(&r.ID, &r.EntityID, &r.SyncType, &r.Status, &r.NumDocsSynced, &r.CreatedAt, &r.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SyncRecord{}, false, nil
		}
		return SyncRecord{}, false, err
	}
	return r, true, nil
}

// IncrementSyncRecordProgress bumps the synced-document counter.
func (q *Queries) IncrementSyncRecordProgress(ctx context.Context, id int, delta int) error {
	_, err := q.db.Exec(ctx,
		`UPDATE sync_records SET num_docs_synced = num_docs_synced + $2 WHERE id = $1`,
		id, delta)
	return err
}

// CloseSyncRecord transitions an open record to a terminal status.
func (q *Queries) CloseSyncRecord(ctx context.Context, id int, status SyncStatus) error {
	_, err := q.db.Exec(ctx,
		`UPDATE sync_records SET status = $2, ended_at = now()
		 WHERE id = $1 AND status = 'IN_PROGRESS'`, id, status)
	return err
}
