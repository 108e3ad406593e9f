package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"warden/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is a unit of background work. Run produces an operator-facing
// result; Report receives that result or the error (panics included)
// and is expected to deliver it on a best-effort basis.
type Task struct {
	ID     string
	Name   string
	Run    func(ctx context.Context) (string, error)
	Report func(result string, err error)
}

// WorkerPool executes fire-and-forget tasks so request handlers can
// acknowledge their caller immediately.
type WorkerPool struct {
	workers     int
	queueSize   int
	taskTimeout time.Duration
	taskCh      chan Task
	wg          sync.WaitGroup
	logger      *zap.SugaredLogger
	ctx         context.Context
	cancel      context.CancelFunc
	running     bool
	mu          sync.RWMutex
	poolType    string
}

var poolTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NewWorkerPool creates a worker pool bound to parentCtx. Workers start
// when Start is called; cancelling parentCtx or calling Stop ends them.
// taskTimeout bounds every task's context; zero means no bound.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, taskTimeout time.Duration, poolType string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if !poolTypePattern.MatchString(poolType) {
		logger.Warnw("Invalid poolType, using default", "poolType", poolType)
		poolType = "default"
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:     workers,
		queueSize:   queueSize,
		taskTimeout: taskTimeout,
		taskCh:      make(chan Task, queueSize),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		poolType:    poolType,
	}
}

// Start begins processing tasks
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return nil
	}
	wp.running = true
	wp.logger.Infow("Starting worker pool", "pool_type", wp.poolType, "workers", wp.workers, "queue_size", wp.queueSize)
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop drains queued tasks and waits for the workers to exit.
// Safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	close(wp.taskCh)
	wp.mu.Unlock()

	wp.logger.Infow("Stopping worker pool", "pool_type", wp.poolType)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.poolType)
	case <-time.After(30 * time.Second):
		wp.logger.Errorw("Worker pool shutdown timed out",
			"pool_type", wp.poolType,
			"timeout_seconds", 30)
	}
	wp.cancel()
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(0)
}

// Submit queues a task and returns immediately. It never blocks: a full
// queue is reported as ErrWorkerPoolQueueFull.
func (wp *WorkerPool) Submit(task Task) error {
	if task.Run == nil {
		return errors.New("task has no Run function")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return WorkerPoolStats{
		Workers:     wp.workers,
		QueueSize:   wp.queueSize,
		Running:     wp.running,
		QueuedTasks: len(wp.taskCh),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for task := range wp.taskCh {
		wp.execute(id, task)
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
	}
}

// execute runs one task, converting a panic into an error for Report
func (wp *WorkerPool) execute(workerID int, task Task) {
	ctx := wp.ctx
	if wp.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := func() (result string, err error) {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Errorw("Task panicked in worker",
					"worker_id", workerID,
					"task", task.Name,
					"task_id", task.ID,
					"panic", r)
				err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			}
		}()
		return task.Run(ctx)
	}()

	outcome := "success"
	if err != nil {
		outcome = "error"
		wp.logger.Warnw("Background task failed",
			"task", task.Name,
			"task_id", task.ID,
			"error", err)
	}
	metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolType, outcome).Inc()
	metrics.WorkerPoolTaskDuration.WithLabelValues(wp.poolType).Observe(time.Since(start).Seconds())

	if task.Report == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Errorw("Task report panicked", "task", task.Name, "task_id", task.ID, "panic", r)
			}
		}()
		task.Report(result, err)
	}()
}

// WorkerPoolStats contains statistics about the worker pool
type WorkerPoolStats struct {
	Workers     int  `json:"workers"`
	QueueSize   int  `json:"queue_size"`
	Running     bool `json:"running"`
	QueuedTasks int  `json:"queued_tasks"`
}

// Errors
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)
