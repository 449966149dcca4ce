// Package workerpool runs batches of tasks with bounded concurrency.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc processes one task. A non-nil error marks the attempt failed.
type WorkerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries; attempt n waits n*RetryDelay
	RetryDelay time.Duration
}

// DefaultConfig returns defaults sized for a per-patient sweep.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 1,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool processes batches of tasks across a fixed number of workers.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
	}, nil
}

// Process runs every task and returns the results in task order. It
// returns once all tasks finished or ctx ended; tasks not started by then
// report ctx.Err().
func (p *Pool) Process(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	atomic.AddInt64(&p.tasksSubmitted, int64(len(tasks)))

	workers := p.config.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			atomic.AddInt64(&p.activeWorkers, 1)
			defer atomic.AddInt64(&p.activeWorkers, -1)
			for i := range next {
				results[i] = p.processTask(ctx, id, tasks[i])
			}
		}(w)
	}

feed:
	for i := range tasks {
		select {
		case next <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(next)
	wg.Wait()

	for i, r := range results {
		if r == nil {
			results[i] = &Result{TaskID: tasks[i].ID, Error: ctx.Err()}
			atomic.AddInt64(&p.tasksFailed, 1)
		}
	}
	return results
}

// processTask handles a single task with retries
func (p *Pool) processTask(ctx context.Context, workerID int, task *Task) *Result {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		data, err := p.workerFunc(ctx, task)
		if err == nil {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return &Result{TaskID: task.ID, Success: true, Data: data, Attempts: attempt + 1}
		}
		lastErr = err

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	atomic.AddInt64(&p.tasksFailed, 1)
	p.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(lastErr))
	return &Result{
		TaskID:   task.ID,
		Error:    fmt.Errorf("task %s: %w", task.ID, lastErr),
		Attempts: p.config.MaxRetries + 1,
	}
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}
