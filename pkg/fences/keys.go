// Package fences implements the distributed-state protocol the orchestrator
// runs on the KV broker: fence keys whose presence means "this work is
// claimed", task-sets tracking outstanding subtasks, liveness signals, and a
// per-tenant registry of every live fence.
package fences

import "fmt"

const (
	// ActiveRegistryKey is the per-tenant set of all live fence keys.
	ActiveRegistryKey = "quarry:active_fences"

	// StaleDocFenceKey guards the global stale-document sync pass.
	StaleDocFenceKey   = "quarry:ccpairsync:fence"
	staleDocTasksetKey = "quarry:ccpairsync:taskset"

	signalPrefix = "quarry:signal:"
	beatPrefix   = "quarry:beat:"
)

// IndexingFenceKey returns the fence key for one (ccpair, search settings)
// indexing unit.
func IndexingFenceKey(ccPairID, searchSettingsID int) string {
	return fmt.Sprintf("quarry:indexing:fence:%d/%d", ccPairID, searchSettingsID)
}

func indexingTasksetKey(ccPairID, searchSettingsID int) string {
	return fmt.Sprintf("quarry:indexing:taskset:%d/%d", ccPairID, searchSettingsID)
}

func indexingGeneratorCompleteKey(ccPairID, searchSettingsID int) string {
	return fmt.Sprintf("quarry:indexing:generator_complete:%d/%d", ccPairID, searchSettingsID)
}

func indexingWatchdogKey(ccPairID, searchSettingsID int) string {
	return fmt.Sprintf("quarry:indexing:watchdog:%d/%d", ccPairID, searchSettingsID)
}

func indexingActiveKey(ccPairID, searchSettingsID int) string {
	return fmt.Sprintf("quarry:indexing:active:%d/%d", ccPairID, searchSettingsID)
}

func indexingTerminateKey(ccPairID, searchSettingsID int, taskID string) string {
	return fmt.Sprintf("quarry:indexing:terminate:%d/%d:%s", ccPairID, searchSettingsID, taskID)
}

// DocumentSetFenceKey returns the fence key for one document set sync.
func DocumentSetFenceKey(documentSetID int) string {
	return fmt.Sprintf("quarry:docset:fence:%d", documentSetID)
}

func documentSetTasksetKey(documentSetID int) string {
	return fmt.Sprintf("quarry:docset:taskset:%d", documentSetID)
}

// UserGroupFenceKey returns the fence key for one user group sync.
func UserGroupFenceKey(userGroupID int) string {
	return fmt.Sprintf("quarry:usergroup:fence:%d", userGroupID)
}

func userGroupTasksetKey(userGroupID int) string {
	return fmt.Sprintf("quarry:usergroup:taskset:%d", userGroupID)
}

// SignalKey returns the key of a named block signal.
func SignalKey(name string) string {
	return signalPrefix + name
}

// BeatLockName returns the lock name serializing one beat task per tenant.
func BeatLockName(taskName string) string {
	return beatPrefix + taskName
}
