package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/queue"
	"github.com/quarryhq/quarry/pkg/tenant"
)

// Coordinator is the periodic pass that generates per-document sync tasks
// for stale documents, outdated document sets and user groups, validates
// diverged state, and finalizes finished fences.
type Coordinator struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	driver *queue.Driver
	logger *slog.Logger

	// taskCap bounds how many stale-document tasks one pass may generate.
	taskCap int
	// userGroups gates the user-group pass; the module may be absent.
	userGroups bool
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(pool *pgxpool.Pool, rdb *redis.Client, driver *queue.Driver, taskCap int, userGroups bool, logger *slog.Logger) *Coordinator {
	if taskCap <= 0 {
		taskCap = 4096
	}
	return &Coordinator{
		pool:       pool,
		rdb:        rdb,
		driver:     driver,
		logger:     logger,
		taskCap:    taskCap,
		userGroups: userGroups,
	}
}

// Run executes sync passes for every tenant until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	c.logger.Info("sync coordinator started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync coordinator stopped")
			return nil
		case <-ticker.C:
			q := db.New(c.pool)
			tenants, err := q.ListTenants(ctx)
			if err != nil {
				c.logger.Error("listing tenants", "error", err)
				continue
			}
			for _, t := range tenants {
				if err := c.RunPass(ctx, t.Slug); err != nil {
					c.logger.Error("sync pass failed", "tenant", t.Slug, "error", err)
				}
			}
		}
	}
}

// RunPass performs one full sync pass for one tenant, under a single-flight
// beat lock.
func (c *Coordinator) RunPass(ctx context.Context, tenantSlug string) error {
	kvc := kv.NewClient(c.rdb, nil, tenantSlug)

	lock := kvc.Lock(fences.BeatLockName("document-sync"), 2*time.Minute)
	acquired, err := lock.Acquire(ctx, false)
	if err != nil {
		return fmt.Errorf("acquiring sync beat lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	conn, err := tenant.Acquire(ctx, c.pool, tenantSlug)
	if err != nil {
		return err
	}
	defer conn.Release()
	q := db.New(conn)

	logger := c.logger.With("tenant", tenantSlug)

	if err := c.generateStaleDocTasks(ctx, q, kvc, tenantSlug, logger); err != nil {
		logger.Error("generating stale-document tasks", "error", err)
	}
	if err := c.generateDocumentSetTasks(ctx, q, kvc, tenantSlug, logger); err != nil {
		logger.Error("generating document-set tasks", "error", err)
	}
	if c.userGroups {
		if err := c.generateUserGroupTasks(ctx, q, kvc, tenantSlug, logger); err != nil {
			logger.Error("generating user-group tasks", "error", err)
		}
	}
	if err := c.validate(ctx, kvc, logger); err != nil {
		logger.Error("validating sync fences", "error", err)
	}
	if err := c.finalize(ctx, q, kvc, logger); err != nil {
		logger.Error("finalizing sync fences", "error", err)
	}
	return nil
}

// generateStaleDocTasks fences the global stale-document pass. Documents
// shared by several ccpairs are de-duplicated so each syncs once. The fence
// is created even at zero tasks so every pass converges through the same
// monitor path.
func (c *Coordinator) generateStaleDocTasks(ctx context.Context, q *db.Queries, kvc *kv.Client, tenantSlug string, logger *slog.Logger) error {
	fence := fences.NewStaleDocFence(kvc)
	fenced, err := fence.Fenced(ctx)
	if err != nil || fenced {
		return err
	}

	total, err := q.CountStaleDocuments(ctx)
	if err != nil {
		return fmt.Errorf("counting stale documents: %w", err)
	}

	pairs, err := q.ListCCPairs(ctx)
	if err != nil {
		return fmt.Errorf("listing ccpairs: %w", err)
	}

	seen := make(map[string]bool)
	generated := 0
	for _, pair := range pairs {
		if generated >= c.taskCap {
			break
		}
		ids, err := q.ListStaleDocumentIDsForCCPair(ctx, pair.ID, c.taskCap-generated)
		if err != nil {
			return fmt.Errorf("listing stale documents for ccpair %d: %w", pair.ID, err)
		}
		for _, docID := range ids {
			if seen[docID] {
				continue
			}
			seen[docID] = true
			if err := c.enqueueSyncTask(ctx, fence, tenantSlug, docID, "stale"); err != nil {
				return err
			}
			generated++
		}
	}

	if _, found, _ := q.GetOpenSyncRecord(ctx, "stale", db.SyncTypeDocument); !found {
		if _, err := q.CreateSyncRecord(ctx, "stale", db.SyncTypeDocument); err != nil {
			logger.Warn("opening stale-document sync record", "error", err)
		}
	}

	logger.Info("stale-document tasks generated", "generated", generated, "candidates", total)
	return fence.SetCount(ctx, generated)
}

// generateDocumentSetTasks fences each outdated document set with its task
// count; zero-task sets are still fenced so they can be marked up-to-date.
func (c *Coordinator) generateDocumentSetTasks(ctx context.Context, q *db.Queries, kvc *kv.Client, tenantSlug string, logger *slog.Logger) error {
	sets, err := q.ListOutdatedDocumentSets(ctx)
	if err != nil {
		return fmt.Errorf("listing outdated document sets: %w", err)
	}

	for _, set := range sets {
		fence := fences.NewDocumentSetFence(kvc, set.ID)
		fenced, err := fence.Fenced(ctx)
		if err != nil || fenced {
			continue
		}

		if err := fence.ClearTaskset(ctx); err != nil {
			return err
		}

		ids, err := q.ListDocumentIDsForDocumentSet(ctx, set.ID)
		if err != nil {
			return fmt.Errorf("listing documents of set %d: %w", set.ID, err)
		}
		owner := "docset:" + strconv.Itoa(set.ID)
		for _, docID := range ids {
			if err := c.enqueueSyncTask(ctx, fence, tenantSlug, docID, owner); err != nil {
				return err
			}
		}

		entity := strconv.Itoa(set.ID)
		if _, found, _ := q.GetOpenSyncRecord(ctx, entity, db.SyncTypeDocumentSet); !found {
			if _, err := q.CreateSyncRecord(ctx, entity, db.SyncTypeDocumentSet); err != nil {
				logger.Warn("opening document-set sync record", "set_id", set.ID, "error", err)
			}
		}

		logger.Info("document-set tasks generated", "set_id", set.ID, "tasks", len(ids))
		if err := fence.SetCount(ctx, len(ids)); err != nil {
			return err
		}
	}
	return nil
}

// generateUserGroupTasks mirrors the document-set pass for user groups.
func (c *Coordinator) generateUserGroupTasks(ctx context.Context, q *db.Queries, kvc *kv.Client, tenantSlug string, logger *slog.Logger) error {
	groups, err := q.ListOutdatedUserGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing outdated user groups: %w", err)
	}

	for _, group := range groups {
		fence := fences.NewUserGroupFence(kvc, group.ID)
		fenced, err := fence.Fenced(ctx)
		if err != nil || fenced {
			continue
		}

		if err := fence.ClearTaskset(ctx); err != nil {
			return err
		}

		ids, err := q.ListDocumentIDsForUserGroup(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("listing documents of group %d: %w", group.ID, err)
		}
		owner := "usergroup:" + strconv.Itoa(group.ID)
		for _, docID := range ids {
			if err := c.enqueueSyncTask(ctx, fence, tenantSlug, docID, owner); err != nil {
				return err
			}
		}

		entity := strconv.Itoa(group.ID)
		if _, found, _ := q.GetOpenSyncRecord(ctx, entity, db.SyncTypeUserGroup); !found {
			if _, err := q.CreateSyncRecord(ctx, entity, db.SyncTypeUserGroup); err != nil {
				logger.Warn("opening user-group sync record", "group_id", group.ID, "error", err)
			}
		}

		logger.Info("user-group tasks generated", "group_id", group.ID, "tasks", len(ids))
		if err := fence.SetCount(ctx, len(ids)); err != nil {
			return err
		}
	}
	return nil
}

// validate drops task-set entries whose queue task vanished; the next
// generation pass re-creates the work.
func (c *Coordinator) validate(ctx context.Context, kvc *kv.Client, logger *slog.Logger) error {
	registry := fences.NewRegistry(kvc)
	members, err := registry.Members(ctx)
	if err != nil {
		return err
	}

	for _, key := range members {
		fence := fenceForKey(kvc, key)
		if fence == nil {
			continue
		}
		taskIDs, err := fence.TaskIDs(ctx)
		if err != nil {
			return err
		}
		for _, taskID := range taskIDs {
			known, err := c.driver.IsKnown(ctx, queue.QueueDocSync, taskID)
			if err != nil {
				return err
			}
			if !known {
				logger.Warn("dropping lost sync task", "fence", key, "task_id", taskID)
				if err := fence.CompleteTask(ctx, taskID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// finalize walks the active registry and closes out fences whose task-sets
// drained: the entity is marked up-to-date (or deleted if dangling) and the
// fence reset.
func (c *Coordinator) finalize(ctx context.Context, q *db.Queries, kvc *kv.Client, logger *slog.Logger) error {
	registry := fences.NewRegistry(kvc)
	members, err := registry.Members(ctx)
	if err != nil {
		return err
	}

	for _, key := range members {
		exists, err := kvc.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}

		switch {
		case key == fences.StaleDocFenceKey:
			if err := c.monitorStale(ctx, q, kvc, logger); err != nil {
				logger.Error("monitoring stale-doc fence", "error", err)
			}
		case strings.HasPrefix(key, "quarry:docset:fence:"):
			if err := c.monitorDocumentSet(ctx, q, kvc, key, logger); err != nil {
				logger.Error("monitoring document-set fence", "fence", key, "error", err)
			}
		case strings.HasPrefix(key, "quarry:usergroup:fence:"):
			if err := c.monitorUserGroup(ctx, q, kvc, key, logger); err != nil {
				logger.Error("monitoring user-group fence", "fence", key, "error", err)
			}
		}
	}
	return nil
}

func (c *Coordinator) monitorStale(ctx context.Context, q *db.Queries, kvc *kv.Client, logger *slog.Logger) error {
	fence := fences.NewStaleDocFence(kvc)
	remaining, err := fence.Remaining(ctx)
	if err != nil || remaining > 0 {
		return err
	}

	if record, found, _ := q.GetOpenSyncRecord(ctx, "stale", db.SyncTypeDocument); found {
		count, _, _ := fence.Count(ctx)
		if err := q.IncrementSyncRecordProgress(ctx, record.ID, count); err != nil {
			logger.Warn("bumping sync record", "error", err)
		}
		if err := q.CloseSyncRecord(ctx, record.ID, db.SyncSuccess); err != nil {
			logger.Warn("closing sync record", "error", err)
		}
	}
	logger.Info("stale-document sync pass complete")
	return fence.Release(ctx)
}

func (c *Coordinator) monitorDocumentSet(ctx context.Context, q *db.Queries, kvc *kv.Client, key string, logger *slog.Logger) error {
	id, err := strconv.Atoi(strings.TrimPrefix(key, "quarry:docset:fence:"))
	if err != nil {
		return fmt.Errorf("parsing fence key %s: %w", key, err)
	}
	fence := fences.NewDocumentSetFence(kvc, id)
	remaining, err := fence.Remaining(ctx)
	if err != nil || remaining > 0 {
		return err
	}

	entity := strconv.Itoa(id)
	if _, dbErr := q.GetDocumentSet(ctx, id); dbErr != nil {
		// Row vanished mid-sync: delete the dangling links and move on.
		logger.Warn("document set gone mid-sync, cleaning up", "set_id", id)
		_ = q.DeleteDocumentSet(ctx, id)
		if record, found, _ := q.GetOpenSyncRecord(ctx, entity, db.SyncTypeDocumentSet); found {
			_ = q.CloseSyncRecord(ctx, record.ID, db.SyncCanceled)
		}
		return fence.Release(ctx)
	}

	if err := q.MarkDocumentSetUpToDate(ctx, id); err != nil {
		return fmt.Errorf("marking document set %d up to date: %w", id, err)
	}
	if record, found, _ := q.GetOpenSyncRecord(ctx, entity, db.SyncTypeDocumentSet); found {
		count, _, _ := fence.Count(ctx)
		_ = q.IncrementSyncRecordProgress(ctx, record.ID, count)
		if err := q.CloseSyncRecord(ctx, record.ID, db.SyncSuccess); err != nil {
			logger.Warn("closing sync record", "error", err)
		}
	}
	logger.Info("document set synced", "set_id", id)
	return fence.Release(ctx)
}

func (c *Coordinator) monitorUserGroup(ctx context.Context, q *db.Queries, kvc *kv.Client, key string, logger *slog.Logger) error {
	id, err := strconv.Atoi(strings.TrimPrefix(key, "quarry:usergroup:fence:"))
	if err != nil {
		return fmt.Errorf("parsing fence key %s: %w", key, err)
	}
	fence := fences.NewUserGroupFence(kvc, id)
	remaining, err := fence.Remaining(ctx)
	if err != nil || remaining > 0 {
		return err
	}

	entity := strconv.Itoa(id)
	if _, dbErr := q.GetUserGroup(ctx, id); dbErr != nil {
		logger.Warn("user group gone mid-sync, cleaning up", "group_id", id)
		_ = q.DeleteUserGroup(ctx, id)
		if record, found, _ := q.GetOpenSyncRecord(ctx, entity, db.SyncTypeUserGroup); found {
			_ = q.CloseSyncRecord(ctx, record.ID, db.SyncCanceled)
		}
		return fence.Release(ctx)
	}

	if err := q.MarkUserGroupUpToDate(ctx, id); err != nil {
		return fmt.Errorf("marking user group %d up to date: %w", id, err)
	}
	if record, found, _ := q.GetOpenSyncRecord(ctx, entity, db.SyncTypeUserGroup); found {
		count, _, _ := fence.Count(ctx)
		_ = q.IncrementSyncRecordProgress(ctx, record.ID, count)
		if err := q.CloseSyncRecord(ctx, record.ID, db.SyncSuccess); err != nil {
			logger.Warn("closing sync record", "error", err)
		}
	}
	logger.Info("user group synced", "group_id", id)
	return fence.Release(ctx)
}

// enqueueSyncTask registers one per-document sync task in the fence's
// task-set and then dispatches it. The task-set entry must exist before the
// task is visible to workers, or a fast worker could complete it first.
func (c *Coordinator) enqueueSyncTask(ctx context.Context, fence *fences.CountFence, tenantSlug, documentID, owner string) error {
	task, err := queue.NewTask(TaskName, tenantSlug, TaskPayload{DocumentID: documentID, Owner: owner})
	if err != nil {
		return err
	}
	if err := fence.AddTasks(ctx, task.ID); err != nil {
		return err
	}
	if err := c.driver.Enqueue(ctx, queue.QueueDocSync, task); err != nil {
		return fmt.Errorf("enqueueing sync task for %s: %w", documentID, err)
	}
	return nil
}

// fenceForKey resolves a registry member to a sync fence; non-sync fences
// return nil.
func fenceForKey(kvc *kv.Client, key string) *fences.CountFence {
	switch {
	case key == fences.StaleDocFenceKey:
		return fences.NewStaleDocFence(kvc)
	case strings.HasPrefix(key, "quarry:docset:fence:"):
		id, err := strconv.Atoi(strings.TrimPrefix(key, "quarry:docset:fence:"))
		if err != nil {
			return nil
		}
		return fences.NewDocumentSetFence(kvc, id)
	case strings.HasPrefix(key, "quarry:usergroup:fence:"):
		id, err := strconv.Atoi(strings.TrimPrefix(key, "quarry:usergroup:fence:"))
		if err != nil {
			return nil
		}
		return fences.NewUserGroupFence(kvc, id)
	default:
		return nil
	}
}
