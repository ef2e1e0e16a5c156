package syncer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/search"
)

type fakeUpdater struct {
	calls    int
	failFor  int
	status   int
	lastDoc  string
	lastSets []string
}

func (f *fakeUpdater) UpdateSingle(ctx context.Context, indexName, documentID, tenantID string, chunkCount int, fields search.UpdateFields) (int, error) {
	f.calls++
	f.lastDoc = documentID
	f.lastSets = fields.DocumentSets
	if f.calls <= f.failFor {
		if f.status != 0 {
			return 0, &search.HTTPStatusError{StatusCode: f.status}
		}
		return 0, errors.New("index unavailable")
	}
	return chunkCount, nil
}

func newTestWorker(index IndexUpdater) (*Worker, *[]time.Duration) {
	var sleeps []time.Duration
	w := &Worker{
		index:         index,
		logger:        slog.Default(),
		softTimeLimit: 10 * time.Minute,
		sleep:         func(d time.Duration) { sleeps = append(sleeps, d) },
	}
	return w, &sleeps
}

func TestPushUpdateRetriesWithExponentialBackoff(t *testing.T) {
	updater := &fakeUpdater{failFor: 2}
	w, sleeps := newTestWorker(updater)

	err := w.pushUpdate(context.Background(), "main_index", "d1", "acme", 3, search.UpdateFields{})
	if err != nil {
		t.Fatalf("pushUpdate() error: %v", err)
	}
	if updater.calls != 3 {
		t.Errorf("calls = %d, want 3", updater.calls)
	}

	// Backoff schedule is 2^(retries+4) seconds: 16s then 32s.
	want := []time.Duration{16 * time.Second, 32 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleeps[%d] = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
}

func TestPushUpdateBadRequestNotRetried(t *testing.T) {
	updater := &fakeUpdater{failFor: 100, status: 400}
	w, sleeps := newTestWorker(updater)

	err := w.pushUpdate(context.Background(), "main_index", "d1", "acme", 1, search.UpdateFields{})
	if err == nil {
		t.Fatal("pushUpdate() should fail on 400")
	}
	if updater.calls != 1 {
		t.Errorf("calls = %d, want 1 (400 is non-retryable)", updater.calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("slept %v, want no sleeps", *sleeps)
	}
}

func TestPushUpdateRespectsSoftTimeLimit(t *testing.T) {
	updater := &fakeUpdater{failFor: 100}
	w, _ := newTestWorker(updater)
	w.softTimeLimit = 30 * time.Second

	err := w.pushUpdate(context.Background(), "main_index", "d1", "acme", 1, search.UpdateFields{})
	if err == nil {
		t.Fatal("pushUpdate() should give up within the soft time limit")
	}
	// First wait would be 16s (fits), second 32s (exceeds 30s budget).
	if updater.calls > 2 {
		t.Errorf("calls = %d, want at most 2 before the budget runs out", updater.calls)
	}
}

func TestOwnerFenceResolution(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	kvc := kv.NewClient(rdb, nil, "acme")

	if f := ownerFence(kvc, "stale"); f == nil || f.Key() != fences.StaleDocFenceKey {
		t.Error("ownerFence(stale) wrong")
	}
	if f := ownerFence(kvc, "docset:7"); f == nil || f.Key() != fences.DocumentSetFenceKey(7) {
		t.Error("ownerFence(docset:7) wrong")
	}
	if f := ownerFence(kvc, "usergroup:3"); f == nil || f.Key() != fences.UserGroupFenceKey(3) {
		t.Error("ownerFence(usergroup:3) wrong")
	}
	if f := ownerFence(kvc, "docset:x"); f != nil {
		t.Error("ownerFence(docset:x) should be nil")
	}
	if f := ownerFence(kvc, "bogus"); f != nil {
		t.Error("ownerFence(bogus) should be nil")
	}
}
