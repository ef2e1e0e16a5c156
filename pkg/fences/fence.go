package fences

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/pkg/kv"
)

// Fence is the shared behavior of every work-unit fence: a single key whose
// presence means "claimed", plus a task-set of outstanding subtask ids.
type Fence struct {
	kv         *kv.Client
	key        string
	tasksetKey string
}

func newFence(client *kv.Client, key, tasksetKey string) Fence {
	return Fence{kv: client, key: key, tasksetKey: tasksetKey}
}

// Key returns the fence key (tenant-relative).
func (f *Fence) Key() string { return f.key }

// Fenced reports whether the work unit is currently claimed.
func (f *Fence) Fenced(ctx context.Context) (bool, error) {
	return f.kv.Exists(ctx, f.key)
}

// SetFence claims the work unit with the given payload and registers it in
// the active registry, in one atomic act. A nil payload releases the fence:
// the key is deleted and removed from the registry before the call returns.
func (f *Fence) SetFence(ctx context.Context, payload []byte) error {
	pipe := f.kv.Raw().TxPipeline()
	if payload == nil {
		pipe.Del(ctx, f.kv.FullKey(f.key))
		pipe.SRem(ctx, f.kv.FullKey(ActiveRegistryKey), f.key)
	} else {
		pipe.Set(ctx, f.kv.FullKey(f.key), string(payload), 0)
		pipe.SAdd(ctx, f.kv.FullKey(ActiveRegistryKey), f.key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting fence %s: %w", f.key, err)
	}
	return nil
}

// PayloadRaw returns the fence payload bytes, or (nil, false, nil) when the
// fence is absent.
func (f *Fence) PayloadRaw(ctx context.Context) ([]byte, bool, error) {
	val, found, err := f.kv.Get(ctx, f.key)
	if err != nil || !found {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// AddTasks registers subtask ids in the task-set.
func (f *Fence) AddTasks(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return f.kv.SAdd(ctx, f.tasksetKey, taskIDs...)
}

// CompleteTask removes a finished subtask from the task-set.
func (f *Fence) CompleteTask(ctx context.Context, taskID string) error {
	return f.kv.SRem(ctx, f.tasksetKey, taskID)
}

// Remaining returns the number of outstanding subtasks.
func (f *Fence) Remaining(ctx context.Context) (int, error) {
	n, err := f.kv.SCard(ctx, f.tasksetKey)
	return int(n), err
}

// TaskIDs returns the outstanding subtask ids.
func (f *Fence) TaskIDs(ctx context.Context) ([]string, error) {
	return f.kv.SMembers(ctx, f.tasksetKey)
}

// ClearTaskset drops the task-set entirely.
func (f *Fence) ClearTaskset(ctx context.Context) error {
	return f.kv.Delete(ctx, f.tasksetKey)
}
