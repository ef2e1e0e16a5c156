// Package queue provides at-least-once task dispatch over Redis lists, a
// name → handler registry, and a worker pool that consumes queues. Locks and
// fences are the responsibility of handlers; the queue only delivers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names used by the orchestrator.
const (
	QueueIndexing = "indexing"
	QueueDocSync  = "docsync"
)

// Task is one unit of dispatch. The tenant travels with the task so any
// worker on any node can bind the right schema and key prefix.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Tenant     string          `json:"tenant"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds a task with a fresh id.
func NewTask(name, tenantSlug string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshalling task payload: %w", err)
	}
	return Task{
		ID:         uuid.NewString(),
		Name:       name,
		Tenant:     tenantSlug,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one task. Returning an error only logs it; the queue
// does not redeliver the task.
type Handler func(ctx context.Context, task Task) error

// Registry maps task names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under a task name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Get returns the handler for a task name.
func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("task handler %q not registered", name)
	}
	return h, nil
}

// runningTTL bounds how long a dequeued task counts as running when its
// worker dies without cleanup.
const runningTTL = 2 * time.Hour

// Driver is the Redis-list queue transport. Queue keys are global (workers
// serve every tenant); the tenant rides inside the task.
type Driver struct {
	rdb *redis.Client
}

// NewDriver creates a queue driver.
func NewDriver(rdb *redis.Client) *Driver {
	return &Driver{rdb: rdb}
}

func queueKey(queue string) string    { return "quarry:queue:" + queue }
func runningKey(taskID string) string { return "quarry:queue:running:" + taskID }

// Enqueue pushes a task onto the named queue.
func (d *Driver) Enqueue(ctx context.Context, queue string, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling task: %w", err)
	}
	if err := d.rdb.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("enqueueing to %s: %w", queue, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. Returns (zero, false, nil)
// on timeout. The task is marked running until Done is called.
func (d *Driver) Dequeue(ctx context.Context, queue string, timeout time.Duration) (Task, bool, error) {
	res, err := d.rdb.BRPop(ctx, timeout, queueKey(queue)).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	// BRPOP returns [key, value].
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return Task{}, false, fmt.Errorf("decoding task from %s: %w", queue, err)
	}
	if err := d.rdb.Set(ctx, runningKey(t.ID), "1", runningTTL).Err(); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// Done clears the running marker for a finished task.
func (d *Driver) Done(ctx context.Context, taskID string) error {
	return d.rdb.Del(ctx, runningKey(taskID)).Err()
}

// Depth returns the number of waiting tasks on the queue.
func (d *Driver) Depth(ctx context.Context, queue string) (int64, error) {
	return d.rdb.LLen(ctx, queueKey(queue)).Result()
}

// IsKnown reports whether the task is still waiting on the queue or marked
// running by a worker. The beat uses this to detect fences whose task
// vanished from the broker.
func (d *Driver) IsKnown(ctx context.Context, queue, taskID string) (bool, error) {
	exists, err := d.rdb.Exists(ctx, runningKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return true, nil
	}

	items, err := d.rdb.LRange(ctx, queueKey(queue), 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, item := range items {
		var t Task
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		if t.ID == taskID {
			return true, nil
		}
	}
	return false, nil
}
