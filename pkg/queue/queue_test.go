package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDriver(rdb)
}

func TestEnqueueDequeue(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	task, err := NewTask("index", "acme", map[string]int{"cc_pair_id": 1})
	if err != nil {
		t.Fatalf("NewTask() error: %v", err)
	}
	if err := d.Enqueue(ctx, QueueIndexing, task); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	depth, err := d.Depth(ctx, QueueIndexing)
	if err != nil || depth != 1 {
		t.Errorf("Depth() = (%d, %v), want (1, nil)", depth, err)
	}

	got, ok, err := d.Dequeue(ctx, QueueIndexing, time.Second)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = (%v, %v), want a task", ok, err)
	}
	if got.ID != task.ID || got.Name != "index" || got.Tenant != "acme" {
		t.Errorf("Dequeue() task = %+v, want %+v", got, task)
	}

	var payload map[string]int
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["cc_pair_id"] != 1 {
		t.Errorf("payload = %v, want cc_pair_id 1", payload)
	}
}

func TestFIFOOrder(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		task, _ := NewTask("index", "acme", i)
		ids = append(ids, task.ID)
		if err := d.Enqueue(ctx, QueueIndexing, task); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		got, ok, err := d.Dequeue(ctx, QueueIndexing, time.Second)
		if err != nil || !ok {
			t.Fatalf("Dequeue %d = (%v, %v)", i, ok, err)
		}
		if got.ID != ids[i] {
			t.Errorf("Dequeue %d id = %s, want %s", i, got.ID, ids[i])
		}
	}
}

func TestIsKnown(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	task, _ := NewTask("index", "acme", nil)
	if err := d.Enqueue(ctx, QueueIndexing, task); err != nil {
		t.Fatal(err)
	}

	// Waiting in the queue.
	known, err := d.IsKnown(ctx, QueueIndexing, task.ID)
	if err != nil || !known {
		t.Errorf("IsKnown(queued) = (%v, %v), want (true, nil)", known, err)
	}

	// Running after dequeue.
	if _, _, err := d.Dequeue(ctx, QueueIndexing, time.Second); err != nil {
		t.Fatal(err)
	}
	known, err = d.IsKnown(ctx, QueueIndexing, task.ID)
	if err != nil || !known {
		t.Errorf("IsKnown(running) = (%v, %v), want (true, nil)", known, err)
	}

	// Gone after Done.
	if err := d.Done(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	known, err = d.IsKnown(ctx, QueueIndexing, task.ID)
	if err != nil || known {
		t.Errorf("IsKnown(done) = (%v, %v), want (false, nil)", known, err)
	}
}

func TestWorkerPoolProcessesTasks(t *testing.T) {
	d := newTestDriver(t)
	reg := NewRegistry()

	var processed atomic.Int64
	reg.Register("count", func(ctx context.Context, task Task) error {
		processed.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(QueueDocSync, d, reg, slog.Default(), 2)
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		task, _ := NewTask("count", "acme", i)
		if err := d.Enqueue(ctx, QueueDocSync, task); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(5 * time.Second)
	for processed.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("processed %d of 5 tasks before timeout", processed.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	pool.Wait()
}

func TestRegistryUnknownHandler(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("nope"); err == nil {
		t.Error("Get(unregistered) should error")
	}
}
