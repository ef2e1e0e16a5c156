package fences

import (
	"context"
	"fmt"
	"strconv"

	"github.com/quarryhq/quarry/pkg/kv"
)

// CountFence is a fence whose payload is simply the number of subtasks it
// was opened with. Document-set, user-group and stale-document sync passes
// all use this shape.
type CountFence struct {
	Fence
}

// SetCount claims the fence with the given task count as payload. A zero
// count is a legitimate fence: it lets empty entities be marked up-to-date
// by the same monitor path as everything else.
func (f *CountFence) SetCount(ctx context.Context, count int) error {
	return f.SetFence(ctx, []byte(strconv.Itoa(count)))
}

// Count reads the fence payload, or (0, false) when not fenced.
func (f *CountFence) Count(ctx context.Context) (int, bool, error) {
	raw, found, err := f.PayloadRaw(ctx)
	if err != nil || !found {
		return 0, false, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("decoding count fence payload for %s: %w", f.Key(), err)
	}
	return n, true, nil
}

// Release drops the fence and its task-set.
func (f *CountFence) Release(ctx context.Context) error {
	if err := f.SetFence(ctx, nil); err != nil {
		return err
	}
	return f.ClearTaskset(ctx)
}

// NewDocumentSetFence binds the fence for one document set sync.
func NewDocumentSetFence(client *kv.Client, documentSetID int) *CountFence {
	return &CountFence{newFence(client, DocumentSetFenceKey(documentSetID), documentSetTasksetKey(documentSetID))}
}

// NewUserGroupFence binds the fence for one user group sync.
func NewUserGroupFence(client *kv.Client, userGroupID int) *CountFence {
	return &CountFence{newFence(client, UserGroupFenceKey(userGroupID), userGroupTasksetKey(userGroupID))}
}

// NewStaleDocFence binds the tenant-global stale-document sync fence.
func NewStaleDocFence(client *kv.Client) *CountFence {
	return &CountFence{newFence(client, StaleDocFenceKey, staleDocTasksetKey)}
}
