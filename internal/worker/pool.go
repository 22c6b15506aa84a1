package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/zep-us/docindexer/internal/metrics"
	"github.com/zep-us/docindexer/pkg/logger"
)

var (
	// ErrQueueFull is returned by Submit when the pool has no capacity left.
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("worker pool stopped")
)

// Task is a unit of work executed on one of the pool's goroutines
type Task func()

// Pool represents a bounded goroutine worker pool
// Transports run every network call and its completion callback here so that
// callers submitting work never wait on I/O
type Pool struct {
	workerCount     int           // Number of worker goroutines
	jobQueue        chan Task     // Buffered channel for queued tasks
	wg              sync.WaitGroup
	stopOnce        sync.Once     // Ensures Stop() is executed only once
	startOnce       sync.Once     // Ensures Start() is executed only once
	shutdownTimeout time.Duration // Maximum time Stop() waits for workers
	permits         chan struct{} // Counts in-flight + queued tasks for deterministic backpressure

	mu      sync.RWMutex // Guards stopped against a concurrent close of jobQueue
	stopped bool
}

// NewPool creates a new worker pool with the specified configuration
//
// Parameters:
//   - workerCount: Number of worker goroutines (0 = 16×NumCPU, the work is I/O-bound)
//   - jobQueueSize: Buffer capacity for the task queue (0 = 10000)
//   - shutdownTimeout: Maximum time to wait for workers during Stop()
func NewPool(workerCount int, jobQueueSize int, shutdownTimeout time.Duration) *Pool {
	if workerCount <= 0 {
		workerCount = 16 * runtime.NumCPU()
		logger.Info("Worker pool size not configured, using default: %d (16×NumCPU for I/O-bound workload)", workerCount)
	}

	if jobQueueSize <= 0 {
		jobQueueSize = 10000
		logger.Info("Job queue size not configured, using default: %d", jobQueueSize)
	}

	logger.Debug("Creating worker pool: workers=%d, queueSize=%d, shutdownTimeout=%v", workerCount, jobQueueSize, shutdownTimeout)

	return &Pool{
		workerCount:     workerCount,
		jobQueue:        make(chan Task, jobQueueSize),
		shutdownTimeout: shutdownTimeout,
		permits:         make(chan struct{}, workerCount+jobQueueSize),
	}
}

// Start spawns all worker goroutines
// It is safe to call multiple times - workers will only be started once
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		logger.Debug("Starting worker pool with %d workers", p.workerCount)

		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop gracefully shuts down the pool, waiting up to shutdownTimeout
// It reports whether every worker finished in time
func (p *Pool) Stop() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()
	return p.StopContext(ctx)
}

// StopContext closes the task queue and waits for workers until ctx is done
// Queued tasks still run; tasks submitted afterwards are rejected with ErrStopped
// Only the first call waits, later calls return true immediately
func (p *Pool) StopContext(ctx context.Context) bool {
	drained := true
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobQueue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		select {
		case <-done:
			logger.Debug("Worker pool stopped: all workers finished gracefully")
		case <-ctx.Done():
			drained = false
			logger.Warn("Worker pool stop gave up: %v, some tasks are still running", ctx.Err())
		}
	})
	return drained
}

// GetQueueDepth returns the current number of tasks waiting for a worker
func (p *Pool) GetQueueDepth() int {
	return len(p.jobQueue)
}

// Submit queues a task without blocking
// Returns ErrQueueFull when in-flight + queued tasks reach capacity, ErrStopped after Stop()
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.permits <- struct{}{}:
		// A permit guarantees a free buffer slot, so this send never blocks
		p.jobQueue <- task
		metrics.QueueDepthGauge.Set(float64(len(p.jobQueue)))
		return nil
	default:
		logger.Warn("Job queue full: rejecting new task (queue size: %d)", cap(p.jobQueue))
		return fmt.Errorf("%w (capacity: %d)", ErrQueueFull, cap(p.jobQueue))
	}
}

// worker runs tasks from the queue until it is closed
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.jobQueue {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	metrics.ActiveWorkersGauge.Inc()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker %d: task panicked: %v", id, r)
		}
		metrics.ActiveWorkersGauge.Dec()
		metrics.QueueDepthGauge.Set(float64(len(p.jobQueue)))
		<-p.permits
	}()

	task()
}
