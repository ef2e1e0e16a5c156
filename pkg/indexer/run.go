// Package indexer is the child-process entry point for one indexing
// attempt. The watchdog spawns it with every input in the environment; it
// reports structured outcomes through reserved exit codes and the
// generator-complete key.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/internal/telemetry"
	"github.com/quarryhq/quarry/pkg/connectors"
	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/indexing"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/mdlserver"
	"github.com/quarryhq/quarry/pkg/search"
	"github.com/quarryhq/quarry/pkg/tenant"
	"github.com/quarryhq/quarry/pkg/watchdog"
)

// StopIndexingSignal pauses all new indexing work when set by an operator.
const StopIndexingSignal = "stop_indexing"

// Runner executes one attempt end to end.
type Runner struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	index    *search.Client
	models   *mdlserver.Client
	registry *connectors.Registry
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates a runner from process-level dependencies.
func New(pool *pgxpool.Pool, rdb *redis.Client, index *search.Client, models *mdlserver.Client, registry *connectors.Registry, cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		pool:     pool,
		rdb:      rdb,
		index:    index,
		models:   models,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives the attempt and returns the process exit code.
func (r *Runner) Run(ctx context.Context, taskID string) int {
	logger := r.logger.With(
		"tenant", r.cfg.TenantSlug,
		"cc_pair_id", r.cfg.CCPairID,
		"search_settings_id", r.cfg.SearchSettingsID,
		"index_attempt_id", r.cfg.IndexAttemptID,
	)

	kvc := kv.NewClient(r.rdb, nil, r.cfg.TenantSlug)
	fence := fences.NewIndexingFence(kvc, r.cfg.CCPairID, r.cfg.SearchSettingsID)

	// Global stop signal blocks new work before it starts.
	if blocked, _ := kvc.Exists(ctx, fences.SignalKey(StopIndexingSignal)); blocked {
		logger.Info("indexing blocked by stop signal")
		return watchdog.ExitBlockedByStopSignal
	}

	// The fence must exist and reference this attempt.
	fenced, err := fence.Fenced(ctx)
	if err != nil || !fenced {
		logger.Error("fence not found", "error", err)
		return watchdog.ExitFenceNotFound
	}
	payload, err := fence.Payload(ctx)
	if err != nil || payload == nil || payload.IndexAttemptID == nil {
		logger.Error("fence payload not ready", "error", err)
		return watchdog.ExitFenceReadinessTimeout
	}
	if *payload.IndexAttemptID != r.cfg.IndexAttemptID {
		logger.Error("fence references a different attempt",
			"fence_attempt_id", *payload.IndexAttemptID)
		return watchdog.ExitFenceMismatch
	}

	conn, err := tenant.Acquire(ctx, r.pool, r.cfg.TenantSlug)
	if err != nil {
		logger.Error("acquiring tenant connection", "error", err)
		return watchdog.ExitConnectorExceptioned
	}
	defer conn.Release()
	q := db.New(conn)

	attempt, err := q.GetIndexAttempt(ctx, r.cfg.IndexAttemptID)
	if err != nil {
		logger.Error("index attempt row not found", "error", err)
		return watchdog.ExitIndexAttemptMismatch
	}
	if attempt.Status.Terminal() {
		logger.Error("index attempt already terminal", "status", string(attempt.Status))
		return watchdog.ExitIndexAttemptMismatch
	}

	pair, err := q.GetCCPair(ctx, attempt.CCPairID)
	if err != nil {
		logger.Error("ccpair row not found", "error", err)
		return watchdog.ExitConnectorExceptioned
	}
	if pair.Status == db.CCPairDeleting {
		logger.Info("ccpair is being deleted, refusing to index")
		return watchdog.ExitBlockedByDeletion
	}

	if err := q.MarkAttemptInProgress(ctx, attempt.ID); err != nil {
		logger.Error("marking attempt in progress", "error", err)
		return watchdog.ExitIndexAttemptMismatch
	}

	started := time.Now().UTC()
	payload.Started = &started
	if err := fence.SetPayload(ctx, *payload); err != nil {
		logger.Warn("stamping fence start time", "error", err)
	}

	code, runErr := r.runAttempt(ctx, q, conn, fence, attempt, pair, taskID, logger)
	if runErr != nil {
		logger.Error("attempt failed", "error", runErr)
	}
	return code
}

// runAttempt performs window computation, checkpoint resume and the batch
// loop, and records the attempt's terminal state.
func (r *Runner) runAttempt(
	ctx context.Context,
	q *db.Queries,
	conn *pgxpool.Conn,
	fence *fences.IndexingFence,
	attempt db.IndexAttempt,
	pair db.CCPair,
	taskID string,
	logger *slog.Logger,
) (int, error) {
	settings, err := q.GetSearchSettings(ctx, attempt.SearchSettingsID)
	if err != nil {
		return r.fail(ctx, q, fence, attempt.ID, fmt.Errorf("loading search settings: %w", err))
	}

	// Window: resume from the last successful index unless from-beginning;
	// reuse the failed predecessor's end so windowed sources never skip.
	windowStart := time.Unix(0, 0).UTC()
	if !attempt.FromBeginning && pair.LastSuccessfulIndexTime != nil {
		windowStart = *pair.LastSuccessfulIndexTime
	}
	windowEnd := time.Now().UTC()
	if prev, ok, err := q.GetPreviousAttempt(ctx, attempt.CCPairID, attempt.SearchSettingsID, attempt.ID); err == nil && ok {
		if (prev.Status == db.AttemptFailed || prev.Status == db.AttemptCanceled) &&
			prev.PollRangeEnd != nil {
			windowEnd = *prev.PollRangeEnd
		}
	}
	if err := q.SetAttemptPollRange(ctx, attempt.ID, windowStart, windowEnd); err != nil {
		return r.fail(ctx, q, fence, attempt.ID, fmt.Errorf("recording poll range: %w", err))
	}

	connector, source, err := r.buildConnector(ctx, q, pair)
	if err != nil {
		return r.failValidation(ctx, q, fence, attempt.ID, pair.ID, err)
	}

	ck, err := r.resumeCheckpoint(ctx, q, connector, attempt)
	if err != nil {
		return r.fail(ctx, q, fence, attempt.ID, fmt.Errorf("resuming checkpoint: %w", err))
	}

	store := indexing.NewStore(conn)
	pipeline := indexing.NewPipeline(
		store,
		r.index,
		r.models,
		r.models,
		contextualizer(r.cfg, r.models),
		settings,
		indexing.AttemptMetadata{
			TenantID:         r.cfg.TenantSlug,
			CCPairID:         pair.ID,
			IndexAttemptID:   attempt.ID,
			SearchSettingsID: settings.ID,
			IgnoreTimeSkip:   attempt.FromBeginning,
		},
		indexing.Config{
			MaxDocumentChars:       r.cfg.MaxDocumentChars,
			ChunkTokens:            r.cfg.ChunkTokens,
			ClassifyMaxChunkTokens: r.cfg.ClassifyMaxChunkToken,
			EnableContextualRAG:    r.cfg.EnableContextualRAG,
			EmbedParallelism:       r.cfg.EmbedParallelism,
		},
		logger,
	)

	images := connectors.NewImageProcessor(r.models, logger)
	runner := connectors.NewRunner(connector, images, connectors.RunnerConfig{
		BatchSize: r.cfg.IndexBatchSize,
		ShouldStop: func() bool {
			stopping, err := fence.Terminating(ctx, taskID)
			return err == nil && stopping
		},
	}, logger)

	totalDocs, totalFailures := 0, 0
	it := runner.Run(ctx, windowStart, windowEnd, ck)
	for {
		batch, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, connectors.ErrStopped) {
				return r.cancel(ctx, q, fence, attempt.ID)
			}
			return r.fail(ctx, q, fence, attempt.ID, err)
		}
		if batch == nil {
			break
		}

		result, err := pipeline.IndexBatch(ctx, batch.Documents)
		if err != nil {
			return r.fail(ctx, q, fence, attempt.ID, fmt.Errorf("indexing batch: %w", err))
		}

		totalDocs += result.TotalDocs
		totalFailures += len(result.Failures) + len(batch.Failures)
		telemetry.DocsIndexedTotal.WithLabelValues(source).Add(float64(result.TotalDocs))
		telemetry.ChunksIndexedTotal.Add(float64(result.TotalChunks))

		for _, f := range batch.Failures {
			if f.FailedDocumentID != "" {
				attemptID := attempt.ID
				if err := q.CreateDocumentFailure(ctx, f.FailedDocumentID, pair.ID, &attemptID, f.Error()); err != nil {
					logger.Error("recording connector failure", "error", err)
				}
			}
		}

		if blob, err := connectors.MarshalCheckpoint(it.Checkpoint()); err == nil {
			if err := q.SaveAttemptCheckpoint(ctx, attempt.ID, blob); err != nil {
				logger.Warn("persisting checkpoint", "error", err)
			}
		}
		if err := q.UpdateAttemptProgress(ctx, attempt.ID, totalDocs, totalDocs); err != nil {
			logger.Warn("updating attempt progress", "error", err)
		}
	}

	// The inner completion signal is written before the terminal row so no
	// observer can see a finished run without it.
	if err := fence.SetGeneratorComplete(ctx, 200); err != nil {
		logger.Error("writing generator completion", "error", err)
	}

	status := db.AttemptSuccess
	if totalFailures > 0 {
		status = db.AttemptPartialSuccess
	}
	if err := q.MarkAttemptTerminal(ctx, attempt.ID, status, "", ""); err != nil {
		return watchdog.ExitConnectorExceptioned, fmt.Errorf("marking attempt %s: %w", status, err)
	}
	if err := q.SetCCPairLastSuccessfulIndexTime(ctx, pair.ID, windowEnd); err != nil {
		logger.Warn("advancing last successful index time", "error", err)
	}
	if pair.InRepeatedErrorState {
		if err := q.SetCCPairRepeatedErrorState(ctx, pair.ID, false); err != nil {
			logger.Warn("clearing repeated error state", "error", err)
		}
	}

	logger.Info("attempt finished",
		"status", string(status), "docs", totalDocs, "failures", totalFailures)
	return 0, nil
}

// buildConnector instantiates and validates the pair's adapter, returning
// it together with the source name.
func (r *Runner) buildConnector(ctx context.Context, q *db.Queries, pair db.CCPair) (connectors.CheckpointedConnector, string, error) {
	connRow, err := q.GetConnector(ctx, pair.ConnectorID)
	if err != nil {
		return nil, "", fmt.Errorf("loading connector %d: %w", pair.ConnectorID, err)
	}
	credRow, err := q.GetCredential(ctx, pair.CredentialID)
	if err != nil {
		return nil, "", fmt.Errorf("loading credential %d: %w", pair.CredentialID, err)
	}

	var secrets map[string]any
	if len(credRow.Secrets) > 0 {
		if err := json.Unmarshal(credRow.Secrets, &secrets); err != nil {
			return nil, "", fmt.Errorf("decoding credential secrets: %w", err)
		}
	}

	adapter, err := r.registry.Build(connRow.Source, connRow.Config, secrets)
	if err != nil {
		return nil, "", err
	}
	if err := adapter.ValidateConnectorSettings(ctx); err != nil {
		return nil, "", err
	}
	checkpointed, err := connectors.Checkpointed(adapter)
	return checkpointed, connRow.Source, err
}

// resumeCheckpoint restores the predecessor's checkpoint when the previous
// attempt for the unit ended without success, otherwise starts fresh.
func (r *Runner) resumeCheckpoint(ctx context.Context, q *db.Queries, connector connectors.CheckpointedConnector, attempt db.IndexAttempt) (connectors.Checkpoint, error) {
	if attempt.FromBeginning {
		return connector.BuildDummyCheckpoint(), nil
	}
	prev, ok, err := q.GetPreviousAttempt(ctx, attempt.CCPairID, attempt.SearchSettingsID, attempt.ID)
	if err != nil {
		return nil, err
	}
	if !ok || prev.CheckpointBlob == nil ||
		(prev.Status != db.AttemptFailed && prev.Status != db.AttemptCanceled) {
		return connector.BuildDummyCheckpoint(), nil
	}

	ck, err := connector.ValidateCheckpointJSON(*prev.CheckpointBlob)
	if err != nil {
		// A checkpoint the connector no longer understands restarts the run.
		return connector.BuildDummyCheckpoint(), nil
	}
	return ck, nil
}

// fail records a FAILED attempt with the causal error and full trace.
func (r *Runner) fail(ctx context.Context, q *db.Queries, fence *fences.IndexingFence, attemptID int, cause error) (int, error) {
	ctx = context.WithoutCancel(ctx)
	_ = fence.SetGeneratorComplete(ctx, 500)
	trace := string(debug.Stack())
	if err := q.MarkAttemptTerminal(ctx, attemptID, db.AttemptFailed, cause.Error(), trace); err != nil {
		return watchdog.ExitConnectorExceptioned, errors.Join(cause, err)
	}
	return watchdog.ExitConnectorExceptioned, cause
}

// failValidation additionally flags the pair on credential problems so the
// scheduler pauses it.
func (r *Runner) failValidation(ctx context.Context, q *db.Queries, fence *fences.IndexingFence, attemptID, ccPairID int, cause error) (int, error) {
	var expired *connectors.CredentialExpiredError
	var insufficient *connectors.InsufficientPermissionsError
	if errors.As(cause, &expired) || errors.As(cause, &insufficient) {
		if err := q.SetCCPairRepeatedErrorState(ctx, ccPairID, true); err != nil {
			r.logger.Error("flagging repeated error state", "error", err)
		}
	}
	return r.fail(ctx, q, fence, attemptID, cause)
}

// cancel records a CANCELED attempt after a stop signal.
func (r *Runner) cancel(ctx context.Context, q *db.Queries, fence *fences.IndexingFence, attemptID int) (int, error) {
	ctx = context.WithoutCancel(ctx)
	if err := fence.SetGeneratorComplete(ctx, 200); err != nil {
		r.logger.Error("writing generator completion", "error", err)
	}
	if err := q.MarkAttemptTerminal(ctx, attemptID, db.AttemptCanceled, "Connector stop signal detected", ""); err != nil {
		return watchdog.ExitConnectorExceptioned, err
	}
	return 0, nil
}

func contextualizer(cfg *config.Config, models *mdlserver.Client) indexing.Contextualizer {
	if !cfg.EnableContextualRAG {
		return nil
	}
	return models
}
