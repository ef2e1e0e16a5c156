// Package beat is the per-tenant scheduler: it decides which
// (ccpair, search settings) units need indexing, opens their fences and
// dispatches watchdog tasks, then validates and finalizes orchestration
// state so Redis and Postgres converge.
package beat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/internal/telemetry"
	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/mdlserver"
	"github.com/quarryhq/quarry/pkg/queue"
	"github.com/quarryhq/quarry/pkg/tenant"
	"github.com/quarryhq/quarry/pkg/watchdog"
)

// IndexingTaskName is the queue task name the watchdog handles.
const IndexingTaskName = "index-attempt"

const (
	beatLockTTL = 2 * time.Minute

	// reconcileGateTTL spaces out the registry reconciliation scan.
	reconcileGateTTL = 5 * time.Minute

	// fenceGracePeriod protects freshly created fences from validation.
	fenceGracePeriod = 5 * time.Minute
)

// Beat runs scheduling passes for every tenant.
type Beat struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	replica  *redis.Client
	driver   *queue.Driver
	models   *mdlserver.Client
	interval time.Duration
	logger   *slog.Logger
}

// New creates a beat. replica may be nil; models may be nil to skip warmup.
func New(pool *pgxpool.Pool, rdb, replica *redis.Client, driver *queue.Driver, models *mdlserver.Client, interval time.Duration, logger *slog.Logger) *Beat {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Beat{
		pool:     pool,
		rdb:      rdb,
		replica:  replica,
		driver:   driver,
		models:   models,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (b *Beat) Run(ctx context.Context) error {
	b.logger.Info("beat started", "interval", b.interval)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("beat stopped")
			return nil
		case <-ticker.C:
			q := db.New(b.pool)
			tenants, err := q.ListTenants(ctx)
			if err != nil {
				b.logger.Error("listing tenants", "error", err)
				continue
			}
			for _, t := range tenants {
				if err := b.RunPass(ctx, t.Slug); err != nil {
					b.logger.Error("beat pass failed", "tenant", t.Slug, "error", err)
				}
			}
		}
	}
}

// RunPass executes one scheduling pass for one tenant. Single-flight: if
// another beat holds the tenant's lock the pass simply returns.
func (b *Beat) RunPass(ctx context.Context, tenantSlug string) error {
	kvc := kv.NewClient(b.rdb, b.replica, tenantSlug)

	lock := kvc.Lock(fences.BeatLockName("check-indexing"), beatLockTTL)
	acquired, err := lock.Acquire(ctx, false)
	if err != nil {
		return fmt.Errorf("acquiring beat lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	started := time.Now()
	defer func() {
		telemetry.BeatPassDuration.WithLabelValues("check-indexing").Observe(time.Since(started).Seconds())
	}()

	conn, err := tenant.Acquire(ctx, b.pool, tenantSlug)
	if err != nil {
		return err
	}
	defer conn.Release()
	q := db.New(conn)

	logger := b.logger.With("tenant", tenantSlug)

	b.maintainRegistry(ctx, kvc, logger)
	b.kickoff(ctx, q, kvc, lock, tenantSlug, logger)
	b.validateAttempts(ctx, q, kvc, logger)
	b.finalizeFences(ctx, q, kvc, logger)
	return nil
}

// maintainRegistry reconciles the active-fence registry, gated by a TTL key
// so the scan does not run every pass.
func (b *Beat) maintainRegistry(ctx context.Context, kvc *kv.Client, logger *slog.Logger) {
	ok, err := kvc.Set(ctx, "quarry:beat:reconcile_gate", "1", reconcileGateTTL, true)
	if err != nil || !ok {
		return
	}

	registry := fences.NewRegistry(kvc)
	removed, added, err := registry.Reconcile(ctx)
	if err != nil {
		logger.Error("reconciling fence registry", "error", err)
		return
	}
	if removed > 0 || added > 0 {
		logger.Info("fence registry reconciled", "removed", removed, "added", added)
	}
	if size, err := registry.Size(ctx); err == nil {
		telemetry.FencesActive.Set(float64(size))
	}
}

// kickoff swaps finished index migrations and dispatches due indexing work.
func (b *Beat) kickoff(ctx context.Context, q *db.Queries, kvc *kv.Client, lock *kv.Lock, tenantSlug string, logger *slog.Logger) {
	pairs, err := q.ListCCPairs(ctx)
	if err != nil {
		logger.Error("listing ccpairs", "error", err)
		return
	}

	b.maybeSwapSettings(ctx, q, pairs, logger)

	settingsList, err := q.ListActiveSearchSettings(ctx)
	if err != nil {
		logger.Error("listing search settings", "error", err)
		return
	}

	for _, settings := range settingsList {
		for _, pair := range pairs {
			// Long enumeration: keep the single-flight lock alive and bail
			// if ownership lapsed.
			if err := lock.Reacquire(ctx); err != nil {
				logger.Warn("beat lock lost mid-pass", "error", err)
				return
			}

			fence := fences.NewIndexingFence(kvc, pair.ID, settings.ID)
			fenced, err := fence.Fenced(ctx)
			if err != nil || fenced {
				continue
			}

			var last *db.IndexAttempt
			if attempt, ok, err := q.GetLastAttempt(ctx, pair.ID, settings.ID); err == nil && ok {
				last = &attempt
			}

			decision := ShouldIndex(pair, settings, last, time.Now().UTC())
			if !decision.Should {
				continue
			}

			if pair.IndexingTrigger != db.TriggerNone {
				if err := q.SetCCPairIndexingTrigger(ctx, pair.ID, db.TriggerNone); err != nil {
					logger.Error("clearing indexing trigger", "cc_pair_id", pair.ID, "error", err)
					continue
				}
			}

			if err := b.createIndexingTask(ctx, q, fence, tenantSlug, pair, settings, decision.FromBeginning); err != nil {
				logger.Error("creating indexing task",
					"cc_pair_id", pair.ID, "search_settings_id", settings.ID, "error", err)
				continue
			}
			logger.Info("indexing task dispatched",
				"cc_pair_id", pair.ID, "search_settings_id", settings.ID,
				"from_beginning", decision.FromBeginning, "reason", decision.Reason)
		}
	}
}

// maybeSwapSettings promotes a FUTURE index generation once every active
// pair has built it successfully.
func (b *Beat) maybeSwapSettings(ctx context.Context, q *db.Queries, pairs []db.CCPair, logger *slog.Logger) {
	future, ok, err := q.GetSecondarySearchSettings(ctx)
	if err != nil || !ok {
		return
	}

	for _, pair := range pairs {
		if pair.Status != db.CCPairActive {
			continue
		}
		last, ok, err := q.GetLastAttempt(ctx, pair.ID, future.ID)
		if err != nil || !ok {
			return
		}
		if last.Status != db.AttemptSuccess && last.Status != db.AttemptPartialSuccess {
			return
		}
	}

	if err := q.SwapSearchSettings(ctx); err != nil {
		logger.Error("swapping search settings", "error", err)
		return
	}
	logger.Info("search settings swapped", "new_present_id", future.ID)

	if b.models != nil {
		if err := b.models.Warmup(ctx, future.ModelName); err != nil {
			logger.Warn("warming up embedding model", "model", future.ModelName, "error", err)
		}
	}
}

// createIndexingTask creates the attempt row, opens the fence, enqueues the
// watchdog task and stamps the fence payload with the task id. All of it is
// observable before the beat lock is released.
func (b *Beat) createIndexingTask(ctx context.Context, q *db.Queries, fence *fences.IndexingFence, tenantSlug string, pair db.CCPair, settings db.SearchSettings, fromBeginning bool) error {
	submitted := time.Now().UTC()
	if err := fence.SetPayload(ctx, fences.IndexingPayload{Submitted: submitted}); err != nil {
		return err
	}

	attempt, err := q.CreateIndexAttempt(ctx, pair.ID, settings.ID, fromBeginning)
	if err != nil {
		_ = fence.Release(context.WithoutCancel(ctx))
		return fmt.Errorf("creating index attempt: %w", err)
	}

	task, err := queue.NewTask(IndexingTaskName, tenantSlug, watchdog.TaskPayload{
		CCPairID:         pair.ID,
		SearchSettingsID: settings.ID,
		IndexAttemptID:   attempt.ID,
	})
	if err != nil {
		_ = fence.Release(context.WithoutCancel(ctx))
		return err
	}

	attemptID := attempt.ID
	taskID := task.ID
	if err := fence.SetPayload(ctx, fences.IndexingPayload{
		Submitted:      submitted,
		IndexAttemptID: &attemptID,
		TaskID:         &taskID,
	}); err != nil {
		_ = fence.Release(context.WithoutCancel(ctx))
		return err
	}

	if err := b.driver.Enqueue(ctx, queue.QueueIndexing, task); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		_ = fence.Release(cleanupCtx)
		_ = q.MarkAttemptTerminal(cleanupCtx, attempt.ID, db.AttemptFailed,
			fmt.Sprintf("enqueueing watchdog task: %v", err), "")
		return err
	}
	return nil
}

// validateAttempts repairs divergence in both directions: IN_PROGRESS
// attempts without a fence are failed, and fences without a live task are
// cleared.
func (b *Beat) validateAttempts(ctx context.Context, q *db.Queries, kvc *kv.Client, logger *slog.Logger) {
	attempts, err := q.ListInProgressAttempts(ctx)
	if err != nil {
		logger.Error("listing in-progress attempts", "error", err)
		return
	}
	for _, attempt := range attempts {
		fence := fences.NewIndexingFence(kvc, attempt.CCPairID, attempt.SearchSettingsID)
		fenced, err := fence.Fenced(ctx)
		if err != nil {
			continue
		}
		if !fenced {
			logger.Warn("unfenced in-progress attempt found",
				"index_attempt_id", attempt.ID, "cc_pair_id", attempt.CCPairID)
			if err := q.MarkAttemptTerminal(ctx, attempt.ID, db.AttemptFailed,
				"Unfenced index attempt found in DB", ""); err != nil {
				logger.Error("failing unfenced attempt", "index_attempt_id", attempt.ID, "error", err)
			}
			telemetry.IndexAttemptsTotal.WithLabelValues(string(db.AttemptFailed)).Inc()
		}
	}

	// The reverse direction: fences whose task disappeared from the broker.
	registry := fences.NewRegistry(kvc)
	members, err := registry.Members(ctx)
	if err != nil {
		return
	}
	for _, key := range members {
		ccPairID, settingsID, ok := parseIndexingFenceKey(key)
		if !ok {
			continue
		}
		fence := fences.NewIndexingFence(kvc, ccPairID, settingsID)
		payload, err := fence.Payload(ctx)
		if err != nil || payload == nil {
			continue
		}
		if time.Since(payload.Submitted) < fenceGracePeriod || payload.TaskID == nil {
			continue
		}

		known, err := b.driver.IsKnown(ctx, queue.QueueIndexing, *payload.TaskID)
		if err != nil || known {
			continue
		}
		alive, err := fence.WatchdogAlive(ctx)
		if err != nil || alive {
			continue
		}

		logger.Warn("clearing fence with no live task",
			"fence", key, "task_id", *payload.TaskID)
		b.reapFence(ctx, q, fence, payload, logger)
	}
}

// finalizeFences runs the indexing monitor over the active registry:
// completed generators with terminal attempts release their fences; fences
// whose watchdog and activity signals both lapsed are reaped.
func (b *Beat) finalizeFences(ctx context.Context, q *db.Queries, kvc *kv.Client, logger *slog.Logger) {
	registry := fences.NewRegistry(kvc)
	members, err := registry.Members(ctx)
	if err != nil {
		return
	}

	for _, key := range members {
		ccPairID, settingsID, ok := parseIndexingFenceKey(key)
		if !ok {
			continue
		}
		fence := fences.NewIndexingFence(kvc, ccPairID, settingsID)
		fenced, err := fence.Fenced(ctx)
		if err != nil || !fenced {
			continue
		}
		payload, err := fence.Payload(ctx)
		if err != nil || payload == nil {
			continue
		}

		if _, completed, _ := fence.Completion(ctx); completed {
			// The producer finished; wait for the watchdog to exit before
			// cleaning up.
			if alive, _ := fence.WatchdogAlive(ctx); alive {
				continue
			}
			if payload.IndexAttemptID != nil {
				attempt, err := q.GetIndexAttempt(ctx, *payload.IndexAttemptID)
				if err == nil && !attempt.Status.Terminal() {
					// Completion key written but the row never closed:
					// watchdog crash after generator completion.
					continue
				}
			}
			logger.Info("finalizing completed indexing fence", "fence", key)
			if err := fence.Release(ctx); err != nil {
				logger.Error("releasing fence", "fence", key, "error", err)
			}
			continue
		}

		// No completion: reap only when both liveness signals lapsed.
		if time.Since(payload.Submitted) < fenceGracePeriod {
			continue
		}
		alive, _ := fence.WatchdogAlive(ctx)
		active, _ := fence.Active(ctx)
		if alive || active {
			continue
		}
		logger.Warn("reaping stale indexing fence", "fence", key)
		b.reapFence(ctx, q, fence, payload, logger)
	}
}

// reapFence fails the fence's attempt (when still open) and releases it.
func (b *Beat) reapFence(ctx context.Context, q *db.Queries, fence *fences.IndexingFence, payload *fences.IndexingPayload, logger *slog.Logger) {
	if payload.IndexAttemptID != nil {
		attempt, err := q.GetIndexAttempt(ctx, *payload.IndexAttemptID)
		if err == nil && !attempt.Status.Terminal() {
			if err := q.MarkAttemptTerminal(ctx, attempt.ID, db.AttemptFailed,
				"Orphaned indexing fence reaped", ""); err != nil {
				logger.Error("failing orphaned attempt", "index_attempt_id", attempt.ID, "error", err)
			}
		}
	}
	if err := fence.Release(ctx); err != nil {
		logger.Error("releasing reaped fence", "error", err)
	}
}

// parseIndexingFenceKey extracts the unit ids from an indexing fence key.
func parseIndexingFenceKey(key string) (ccPairID, searchSettingsID int, ok bool) {
	var a, c int
	if n, err := fmt.Sscanf(key, "quarry:indexing:fence:%d/%d", &a, &c); err != nil || n != 2 {
		return 0, 0, false
	}
	return a, c, true
}
