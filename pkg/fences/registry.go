package fences

import (
	"context"

	"github.com/quarryhq/quarry/pkg/kv"
)

// Registry is the per-tenant set of all live fence keys. Fence creation adds
// members, fence release removes them; Reconcile repairs divergence in both
// directions.
type Registry struct {
	kv *kv.Client
}

// NewRegistry binds the active-fence registry for one tenant.
func NewRegistry(client *kv.Client) *Registry {
	return &Registry{kv: client}
}

// Members returns every fence key currently registered.
func (r *Registry) Members(ctx context.Context) ([]string, error) {
	return r.kv.SMembers(ctx, ActiveRegistryKey)
}

// Size returns the registry cardinality.
func (r *Registry) Size(ctx context.Context) (int, error) {
	n, err := r.kv.SCard(ctx, ActiveRegistryKey)
	return int(n), err
}

// Remove drops a fence key from the registry without touching the fence.
func (r *Registry) Remove(ctx context.Context, fenceKey string) error {
	return r.kv.SRem(ctx, ActiveRegistryKey, fenceKey)
}

// Reconcile removes registry members whose fence key has vanished and
// registers live fence keys the registry is missing (migration aid: scans
// the known fence namespaces on the replica). Returns how many members were
// removed and added.
func (r *Registry) Reconcile(ctx context.Context) (removed, added int, err error) {
	members, err := r.Members(ctx)
	if err != nil {
		return 0, 0, err
	}
	registered := make(map[string]bool, len(members))
	for _, m := range members {
		registered[m] = true
		exists, err := r.kv.Exists(ctx, m)
		if err != nil {
			return removed, added, err
		}
		if !exists {
			if err := r.kv.SRem(ctx, ActiveRegistryKey, m); err != nil {
				return removed, added, err
			}
			removed++
		}
	}

	for _, pattern := range []string{
		"quarry:indexing:fence:*",
		"quarry:docset:fence:*",
		"quarry:usergroup:fence:*",
		StaleDocFenceKey,
	} {
		keys, err := r.kv.ScanKeys(ctx, pattern)
		if err != nil {
			return removed, added, err
		}
		for _, k := range keys {
			if registered[k] {
				continue
			}
			if err := r.kv.SAdd(ctx, ActiveRegistryKey, k); err != nil {
				return removed, added, err
			}
			added++
		}
	}
	return removed, added, nil
}
