package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerPool runs a fixed number of workers against one queue. On shutdown
// workers stop dequeuing and wait for the running handler to return; the
// handler's context is cancelled together with the pool's.
type WorkerPool struct {
	queue    string
	driver   *Driver
	registry *Registry
	logger   *slog.Logger
	count    int

	wg      sync.WaitGroup
	mu      sync.RWMutex
	active  map[string]context.CancelFunc
	started bool
}

// NewWorkerPool creates a pool of count workers for the named queue.
func NewWorkerPool(queue string, driver *Driver, registry *Registry, logger *slog.Logger, count int) *WorkerPool {
	if count <= 0 {
		count = 1
	}
	return &WorkerPool{
		queue:    queue,
		driver:   driver,
		registry: registry,
		logger:   logger,
		count:    count,
		active:   make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call once; subsequent calls
// are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("worker pool already started", "queue", p.queue)
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("worker pool started", "queue", p.queue, "workers", p.count)
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.run(ctx, fmt.Sprintf("%s-worker-%d", p.queue, workerID))
		}(i)
	}
}

// Wait blocks until every worker has exited after ctx cancellation.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
	p.logger.Info("worker pool stopped", "queue", p.queue)
}

// CancelTask cancels a task running on this pool. Returns true when found.
func (p *WorkerPool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// ActiveTasks returns the ids of currently running tasks.
func (p *WorkerPool) ActiveTasks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *WorkerPool) run(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, ok, err := p.driver.Dequeue(ctx, p.queue, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "queue", p.queue, "worker", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		p.process(ctx, workerID, task)
	}
}

func (p *WorkerPool) process(ctx context.Context, workerID string, task Task) {
	handler, err := p.registry.Get(task.Name)
	if err != nil {
		p.logger.Error("unknown task name", "task_id", task.ID, "name", task.Name, "error", err)
		_ = p.driver.Done(ctx, task.ID)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.active[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.active, task.ID)
		p.mu.Unlock()
		_ = p.driver.Done(context.WithoutCancel(ctx), task.ID)
	}()

	start := time.Now()
	p.logger.Info("task started",
		"task_id", task.ID, "name", task.Name, "tenant", task.Tenant, "worker", workerID)

	if err := handler(taskCtx, task); err != nil {
		p.logger.Error("task failed",
			"task_id", task.ID, "name", task.Name, "tenant", task.Tenant,
			"elapsed", time.Since(start), "error", err)
		return
	}

	p.logger.Info("task finished",
		"task_id", task.ID, "name", task.Name, "tenant", task.Tenant,
		"elapsed", time.Since(start))
}
