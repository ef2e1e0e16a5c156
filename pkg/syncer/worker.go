// Package syncer keeps document-level metadata in the search index
// consistent with the relational store: ACLs, document-set membership, user
// groups and last-modified propagation.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/internal/telemetry"
	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/queue"
	"github.com/quarryhq/quarry/pkg/search"
	"github.com/quarryhq/quarry/pkg/tenant"
)

// TaskName is the queue task name for per-document syncs.
const TaskName = "document-sync"

// TaskPayload is the per-document sync task payload. Owner names the fence
// whose task-set the task belongs to: "stale", "docset:<id>" or
// "usergroup:<id>".
type TaskPayload struct {
	DocumentID string `json:"document_id"`
	Owner      string `json:"owner"`
}

// IndexUpdater is the search-index surface the worker needs.
type IndexUpdater interface {
	UpdateSingle(ctx context.Context, indexName, documentID, tenantID string, chunkCount int, fields search.UpdateFields) (int, error)
}

// Worker handles per-document sync tasks.
type Worker struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	index  IndexUpdater
	logger *slog.Logger

	// softTimeLimit caps the retry schedule for one task.
	softTimeLimit time.Duration
	sleep         func(time.Duration)
}

// NewWorker creates a sync worker.
func NewWorker(pool *pgxpool.Pool, rdb *redis.Client, index IndexUpdater, logger *slog.Logger) *Worker {
	return &Worker{
		pool:          pool,
		rdb:           rdb,
		index:         index,
		logger:        logger,
		softTimeLimit: 10 * time.Minute,
		sleep:         time.Sleep,
	}
}

// Handle syncs one document's metadata into the search index.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decoding sync task payload: %w", err)
	}

	kvc := kv.NewClient(w.rdb, nil, task.Tenant)

	err := w.syncDocument(ctx, task.Tenant, payload.DocumentID)
	if err != nil {
		telemetry.SyncTasksTotal.WithLabelValues("failed").Inc()
		// Leave the task in the task-set: the coordinator's validation drops
		// it once the queue no longer knows the task.
		return fmt.Errorf("syncing document %s: %w", payload.DocumentID, err)
	}

	telemetry.SyncTasksTotal.WithLabelValues("synced").Inc()
	w.completeTask(ctx, kvc, payload, task.ID)
	return nil
}

// syncDocument pushes the document's current metadata with retries. A 400
// from the index is non-retryable; other errors back off exponentially,
// bounded by the soft time limit.
func (w *Worker) syncDocument(ctx context.Context, tenantSlug, documentID string) error {
	conn, err := tenant.Acquire(ctx, w.pool, tenantSlug)
	if err != nil {
		return err
	}
	defer conn.Release()
	q := db.New(conn)

	doc, found, err := q.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetching document: %w", err)
	}
	if !found {
		// The document was deleted after the task was generated; nothing to
		// push, and the task completes.
		w.logger.Info("document gone before sync", "document_id", documentID)
		return nil
	}

	sets, err := q.ListDocumentSetNamesForDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetching document sets: %w", err)
	}
	settings, err := q.GetCurrentSearchSettings(ctx)
	if err != nil {
		return fmt.Errorf("fetching search settings: %w", err)
	}

	chunkCount := 0
	if doc.ChunkCount != nil {
		chunkCount = *doc.ChunkCount
	}
	boost := doc.Boost
	hidden := doc.Hidden
	fields := search.UpdateFields{
		Access:       doc.Access,
		DocumentSets: sets,
		Boost:        &boost,
		Hidden:       &hidden,
	}
	if fields.DocumentSets == nil {
		fields.DocumentSets = []string{}
	}

	if err := w.pushUpdate(ctx, settings.IndexName, documentID, tenantSlug, chunkCount, fields); err != nil {
		return err
	}

	if err := q.MarkDocumentSynced(ctx, documentID); err != nil {
		return fmt.Errorf("marking document synced: %w", err)
	}
	return nil
}

// pushUpdate calls UpdateSingle with the retry policy: 400 is
// non-retryable, anything else backs off 2^(retries+4) seconds, bounded by
// the soft time limit.
func (w *Worker) pushUpdate(ctx context.Context, indexName, documentID, tenantSlug string, chunkCount int, fields search.UpdateFields) error {
	started := time.Now()
	for retries := 0; ; retries++ {
		_, err := w.index.UpdateSingle(ctx, indexName, documentID, tenantSlug, chunkCount, fields)
		if err == nil {
			return nil
		}

		var statusErr *search.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 400 {
			return fmt.Errorf("search index rejected update: %w", err)
		}

		wait := time.Duration(math.Pow(2, float64(retries+4))) * time.Second
		if time.Since(started)+wait > w.softTimeLimit {
			return fmt.Errorf("retry budget exhausted after %d attempts: %w", retries+1, err)
		}
		w.logger.Warn("sync update failed, backing off",
			"document_id", documentID, "retries", retries, "wait", wait, "error", err)
		w.sleep(wait)
	}
}

// completeTask removes the task from its owner fence's task-set and bumps
// the sync record counter.
func (w *Worker) completeTask(ctx context.Context, kvc *kv.Client, payload TaskPayload, taskID string) {
	ctx = context.WithoutCancel(ctx)

	fence := ownerFence(kvc, payload.Owner)
	if fence == nil {
		w.logger.Warn("unknown task-set owner", "owner", payload.Owner)
		return
	}
	if err := fence.CompleteTask(ctx, taskID); err != nil {
		w.logger.Error("removing task from task-set", "owner", payload.Owner, "error", err)
	}
}

// ownerFence resolves a task-set owner string to its fence.
func ownerFence(kvc *kv.Client, owner string) *fences.CountFence {
	switch {
	case owner == "stale":
		return fences.NewStaleDocFence(kvc)
	case strings.HasPrefix(owner, "docset:"):
		id, err := strconv.Atoi(strings.TrimPrefix(owner, "docset:"))
		if err != nil {
			return nil
		}
		return fences.NewDocumentSetFence(kvc, id)
	case strings.HasPrefix(owner, "usergroup:"):
		id, err := strconv.Atoi(strings.TrimPrefix(owner, "usergroup:"))
		if err != nil {
			return nil
		}
		return fences.NewUserGroupFence(kvc, id)
	default:
		return nil
	}
}
