package watchdog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/internal/telemetry"
	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/queue"
	"github.com/quarryhq/quarry/pkg/tenant"
)

// terminationReason is the operator-visible reason for signal cancellation.
const terminationReason = "Connector termination signal detected"

// TaskPayload is the indexing task's queue payload.
type TaskPayload struct {
	CCPairID         int `json:"cc_pair_id"`
	SearchSettingsID int `json:"search_settings_id"`
	IndexAttemptID   int `json:"index_attempt_id"`
}

// Config tunes the watchdog.
type Config struct {
	// BinaryPath is the executable spawned as the indexer child; empty
	// means the current binary.
	BinaryPath            string
	DatabaseURL           string
	RedisURL              string
	Period                time.Duration
	FenceReadinessTimeout time.Duration
	// TrustGeneratorCompletion treats a non-zero child exit whose
	// generator-complete key reads 200 as success. Default strict.
	TrustGeneratorCompletion bool
}

// Watchdog supervises indexing attempts dispatched on the indexing queue.
type Watchdog struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a watchdog.
func New(pool *pgxpool.Pool, rdb *redis.Client, cfg Config, logger *slog.Logger) *Watchdog {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Second
	}
	if cfg.FenceReadinessTimeout <= 0 {
		cfg.FenceReadinessTimeout = time.Minute
	}
	return &Watchdog{pool: pool, rdb: rdb, cfg: cfg, logger: logger}
}

// Handle is the queue handler for one indexing attempt.
func (w *Watchdog) Handle(ctx context.Context, task queue.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decoding indexing task payload: %w", err)
	}

	logger := w.logger.With(
		"tenant", task.Tenant,
		"cc_pair_id", payload.CCPairID,
		"search_settings_id", payload.SearchSettingsID,
		"index_attempt_id", payload.IndexAttemptID,
		"task_id", task.ID,
	)
	logger.Info("indexing watchdog starting")

	kvc := kv.NewClient(w.rdb, nil, task.Tenant)
	fence := fences.NewIndexingFence(kvc, payload.CCPairID, payload.SearchSettingsID)

	status, reason := w.supervise(ctx, task, payload, fence, logger)
	logger.Info("indexing watchdog finished", "status", string(status), "reason", reason)

	w.recordOutcome(ctx, task.Tenant, payload, fence, status, reason, logger)
	return nil
}

// supervise runs the full lifecycle and returns the terminal status.
func (w *Watchdog) supervise(ctx context.Context, task queue.Task, payload TaskPayload, fence *fences.IndexingFence, logger *slog.Logger) (TerminalStatus, string) {
	// Wait for the fence payload to carry this attempt.
	if status, reason := w.awaitFenceReadiness(ctx, task, payload, fence); status != StatusUndefined {
		return status, reason
	}

	// One attempt in flight per unit: the generator lock is non-blocking.
	kvc := kv.NewClient(w.rdb, nil, task.Tenant)
	genLock := kvc.Lock(fmt.Sprintf("quarry:indexing:genlock:%d/%d", payload.CCPairID, payload.SearchSettingsID), 2*time.Hour)
	acquired, err := genLock.Acquire(ctx, false)
	if err != nil {
		return StatusWatchdogExceptioned, fmt.Sprintf("acquiring generator lock: %v", err)
	}
	if !acquired {
		return StatusTaskAlreadyRunning, "generator lock already held"
	}
	defer func() { _ = genLock.Release(context.WithoutCancel(ctx)) }()

	cmd, output, err := w.spawn(task, payload)
	if err != nil {
		return StatusSpawnFailed, fmt.Sprintf("spawning indexer: %v", err)
	}
	logger.Info("indexer child spawned", "pid", cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(w.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-exited
			return StatusTerminatedBySignal, "watchdog shut down"

		case waitErr := <-exited:
			return w.classifyExit(ctx, fence, waitErr, output)

		case <-ticker.C:
			if err := fence.SetWatchdog(ctx, true); err != nil {
				logger.Warn("refreshing watchdog signal", "error", err)
			}
			if err := fence.SetActive(ctx); err != nil {
				logger.Warn("refreshing active signal", "error", err)
			}
			if err := genLock.Reacquire(ctx); err != nil {
				logger.Warn("generator lock ownership lost", "error", err)
			}

			terminating, err := fence.Terminating(ctx, task.ID)
			if err != nil {
				logger.Warn("checking termination signal", "error", err)
				continue
			}
			if terminating {
				logger.Info("termination signal detected, killing child", "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
				<-exited
				return StatusTerminatedBySignal, terminationReason
			}
		}
	}
}

// awaitFenceReadiness waits for the fence payload to reference this attempt
// and this task.
func (w *Watchdog) awaitFenceReadiness(ctx context.Context, task queue.Task, payload TaskPayload, fence *fences.IndexingFence) (TerminalStatus, string) {
	deadline := time.Now().Add(w.cfg.FenceReadinessTimeout)
	for {
		fenced, err := fence.Fenced(ctx)
		if err == nil && !fenced {
			return StatusFenceNotFound, "fence key vanished before supervision"
		}

		p, err := fence.Payload(ctx)
		if err == nil && p != nil && p.IndexAttemptID != nil && p.TaskID != nil {
			if *p.IndexAttemptID != payload.IndexAttemptID || *p.TaskID != task.ID {
				return StatusFenceMismatch, fmt.Sprintf(
					"fence carries attempt %d task %s, expected attempt %d task %s",
					*p.IndexAttemptID, *p.TaskID, payload.IndexAttemptID, task.ID)
			}
			return StatusUndefined, ""
		}

		if time.Now().After(deadline) {
			return StatusFenceReadinessTimeout, "fence payload never became ready"
		}
		select {
		case <-ctx.Done():
			return StatusTerminatedBySignal, "watchdog shut down"
		case <-time.After(time.Second):
		}
	}
}

// spawn starts the indexer child with every input serialized into its
// environment: nothing is shared through process state.
func (w *Watchdog) spawn(task queue.Task, payload TaskPayload) (*exec.Cmd, *bytes.Buffer, error) {
	binary := w.cfg.BinaryPath
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving executable: %w", err)
		}
		binary = exe
	}

	cmd := exec.Command(binary, "-mode", "indexer")
	cmd.Env = append(os.Environ(),
		"QUARRY_MODE=indexer",
		"QUARRY_TENANT="+task.Tenant,
		"QUARRY_CCPAIR_ID="+strconv.Itoa(payload.CCPairID),
		"QUARRY_SEARCH_SETTINGS_ID="+strconv.Itoa(payload.SearchSettingsID),
		"QUARRY_INDEX_ATTEMPT_ID="+strconv.Itoa(payload.IndexAttemptID),
		"QUARRY_TASK_ID="+task.ID,
		"DATABASE_URL="+w.cfg.DatabaseURL,
		"REDIS_URL="+w.cfg.RedisURL,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, &output, nil
}

// classifyExit maps the child's exit into a terminal status, applying the
// outer/inner double-check before declaring a crash.
func (w *Watchdog) classifyExit(ctx context.Context, fence *fences.IndexingFence, waitErr error, output *bytes.Buffer) (TerminalStatus, string) {
	if waitErr == nil {
		return StatusSucceeded, ""
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return StatusWatchdogExceptioned, fmt.Sprintf("waiting on child: %v", waitErr)
	}

	code := exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
		code = -9
	}

	// The process (outer signal) is gone. If the generator-complete key
	// (inner signal) is still unset after a re-check, the child crashed.
	completion, found, err := fence.Completion(ctx)
	if err == nil && !found {
		time.Sleep(time.Second)
		completion, found, err = fence.Completion(ctx)
	}
	if err != nil {
		return StatusWatchdogExceptioned, fmt.Sprintf("reading generator completion: %v", err)
	}

	if found && completion == 200 && w.cfg.TrustGeneratorCompletion {
		// Child reported success internally despite the exit code.
		return StatusSucceeded, ""
	}

	status := StatusFromExitCode(code)
	tail := lastLines(output.String(), 2048)
	switch status {
	case StatusUndefined:
		if !found {
			return StatusConnectorExceptioned,
				fmt.Sprintf("child crashed with exit code %d before signaling completion: %s", code, tail)
		}
		return StatusConnectorExceptioned, fmt.Sprintf("child exited with code %d: %s", code, tail)
	case StatusProcessSignalSigkill:
		return status, fmt.Sprintf("child killed with exit code %d (SIGKILL)", code)
	case StatusOutOfMemory:
		return status, "child exited with code 137 (out of memory)"
	default:
		return status, fmt.Sprintf("child exited with code %d: %s", code, tail)
	}
}

// recordOutcome writes the terminal attempt status and cleans up the fence.
func (w *Watchdog) recordOutcome(ctx context.Context, tenantSlug string, payload TaskPayload, fence *fences.IndexingFence, status TerminalStatus, reason string, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	defer func() { _ = fence.SetWatchdog(ctx, false) }()

	if status == StatusSucceeded {
		// The child recorded the attempt result; the beat's monitor
		// finalizes the fence once the generator-complete key is seen.
		telemetry.IndexAttemptsTotal.WithLabelValues("success").Inc()
		return
	}

	conn, err := tenant.Acquire(ctx, w.pool, tenantSlug)
	if err != nil {
		logger.Error("acquiring tenant connection for outcome", "error", err)
		return
	}
	defer conn.Release()
	q := db.New(conn)

	attempt, err := q.GetIndexAttempt(ctx, payload.IndexAttemptID)
	if err != nil {
		logger.Error("looking up index attempt", "error", err)
	} else if !attempt.Status.Terminal() {
		terminal := db.AttemptFailed
		if status == StatusTerminatedBySignal {
			terminal = db.AttemptCanceled
		}
		if err := q.MarkAttemptTerminal(ctx, payload.IndexAttemptID, terminal, reason, ""); err != nil {
			logger.Error("marking attempt terminal", "error", err)
		}
		telemetry.IndexAttemptsTotal.WithLabelValues(string(terminal)).Inc()
	}

	if err := fence.Release(ctx); err != nil {
		logger.Error("releasing indexing fence", "error", err)
	}
}

// lastLines returns at most n trailing bytes of s.
func lastLines(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
