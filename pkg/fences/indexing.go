package fences

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/quarryhq/quarry/pkg/kv"
)

const (
	// WatchdogTTL bounds how long a fence survives a dead watchdog.
	WatchdogTTL = 30 * time.Second

	// ActiveTTL is a few multiples of the monitor period.
	ActiveTTL = 3 * time.Minute

	// TerminateTTL bounds how long a termination request lingers.
	TerminateTTL = 10 * time.Minute
)

// IndexingPayload is the JSON value of an indexing fence. Submitted is set
// when the beat opens the fence; the attempt id and task id follow once the
// watchdog task is enqueued; Started is stamped by the child process.
type IndexingPayload struct {
	Submitted      time.Time  `json:"submitted"`
	Started        *time.Time `json:"started,omitempty"`
	IndexAttemptID *int       `json:"index_attempt_id,omitempty"`
	TaskID         *string    `json:"task_id,omitempty"`
}

// IndexingFence guards one (ccpair, search settings) indexing unit and owns
// its generator-complete, watchdog, active and terminate side keys.
type IndexingFence struct {
	Fence
	ccPairID         int
	searchSettingsID int
}

// NewIndexingFence binds the fence for one indexing unit.
func NewIndexingFence(client *kv.Client, ccPairID, searchSettingsID int) *IndexingFence {
	return &IndexingFence{
		Fence:            newFence(client, IndexingFenceKey(ccPairID, searchSettingsID), indexingTasksetKey(ccPairID, searchSettingsID)),
		ccPairID:         ccPairID,
		searchSettingsID: searchSettingsID,
	}
}

// SetPayload claims or updates the fence with the typed payload.
func (f *IndexingFence) SetPayload(ctx context.Context, p IndexingPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling indexing fence payload: %w", err)
	}
	return f.SetFence(ctx, raw)
}

// Payload decodes the fence payload, or (nil, nil) when the fence is absent.
func (f *IndexingFence) Payload(ctx context.Context) (*IndexingPayload, error) {
	raw, found, err := f.PayloadRaw(ctx)
	if err != nil || !found {
		return nil, err
	}
	var p IndexingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding indexing fence payload for %s: %w", f.Key(), err)
	}
	return &p, nil
}

// Release drops the fence and all its side keys.
func (f *IndexingFence) Release(ctx context.Context) error {
	if err := f.SetFence(ctx, nil); err != nil {
		return err
	}
	return f.kv.Delete(ctx,
		indexingTasksetKey(f.ccPairID, f.searchSettingsID),
		indexingGeneratorCompleteKey(f.ccPairID, f.searchSettingsID),
		indexingWatchdogKey(f.ccPairID, f.searchSettingsID),
		indexingActiveKey(f.ccPairID, f.searchSettingsID),
	)
}

// SetGeneratorComplete writes the producer's terminal status code. The
// producer writes this before any observer may treat the work as done.
func (f *IndexingFence) SetGeneratorComplete(ctx context.Context, statusCode int) error {
	_, err := f.kv.Set(ctx, indexingGeneratorCompleteKey(f.ccPairID, f.searchSettingsID),
		strconv.Itoa(statusCode), 0, false)
	return err
}

// Completion reads the generator-complete status code, or (0, false) when
// the producer has not finished.
func (f *IndexingFence) Completion(ctx context.Context) (int, bool, error) {
	val, found, err := f.kv.Get(ctx, indexingGeneratorCompleteKey(f.ccPairID, f.searchSettingsID))
	if err != nil || !found {
		return 0, false, err
	}
	code, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("parsing generator-complete value %q: %w", val, err)
	}
	return code, true, nil
}

// SetActive refreshes the medium-TTL liveness signal.
func (f *IndexingFence) SetActive(ctx context.Context) error {
	_, err := f.kv.Set(ctx, indexingActiveKey(f.ccPairID, f.searchSettingsID), "1", ActiveTTL, false)
	return err
}

// Active reports whether the medium-TTL liveness signal is present.
func (f *IndexingFence) Active(ctx context.Context) (bool, error) {
	return f.kv.Exists(ctx, indexingActiveKey(f.ccPairID, f.searchSettingsID))
}

// SetWatchdog refreshes (or clears) the short-TTL watchdog heartbeat.
func (f *IndexingFence) SetWatchdog(ctx context.Context, alive bool) error {
	key := indexingWatchdogKey(f.ccPairID, f.searchSettingsID)
	if !alive {
		return f.kv.Delete(ctx, key)
	}
	_, err := f.kv.Set(ctx, key, "1", WatchdogTTL, false)
	return err
}

// WatchdogAlive reports whether a watchdog currently supervises the unit.
func (f *IndexingFence) WatchdogAlive(ctx context.Context) (bool, error) {
	return f.kv.Exists(ctx, indexingWatchdogKey(f.ccPairID, f.searchSettingsID))
}

// RequestTermination asks the watchdog supervising taskID to cancel the run.
func (f *IndexingFence) RequestTermination(ctx context.Context, taskID string) error {
	_, err := f.kv.Set(ctx, indexingTerminateKey(f.ccPairID, f.searchSettingsID, taskID),
		"1", TerminateTTL, false)
	return err
}

// Terminating reports whether a termination request exists for taskID.
func (f *IndexingFence) Terminating(ctx context.Context, taskID string) (bool, error) {
	return f.kv.Exists(ctx, indexingTerminateKey(f.ccPairID, f.searchSettingsID, taskID))
}
