// Package workerpool runs front-end requests on a fixed set of goroutines
// fed by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrStopped is returned after Stop
	ErrStopped = errors.New("worker pool is stopped")
)

// Task is one unit of work. Discard, when set, is called instead of Run for
// tasks still queued when the pool stops.
type Task struct {
	ID      string
	Run     func(ctx context.Context) error
	Discard func()
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool is a bounded pool of goroutines. Running tasks see a context that is
// cancelled when the pool stops.
type Pool struct {
	name      string
	workers   int
	queueSize int
	queue     chan Task
	logger    *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// submitMu orders submissions before Stop so that no task is queued
	// after the final drain
	submitMu sync.RWMutex
	closed   bool

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	discarded atomic.Uint64
}

// New starts a worker pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:      cfg.Name,
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		queue:     make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopped:
			return
		case task := <-p.queue:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Run(p.ctx)
}

// Submit queues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return ErrStopped
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// SubmitWithContext blocks until the task is queued or ctx is done. Stop
// waits for blocked submitters.
func (p *Pool) SubmitWithContext(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return ErrStopped
	}

	select {
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Stop cancels running tasks, discards queued ones and waits up to timeout
// for the workers to exit.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		p.submitMu.Lock()
		p.closed = true
		close(p.stopped)
		p.submitMu.Unlock()
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}

		p.drain()
	})
	return err
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.queue:
			p.discarded.Add(1)
			if task.Discard != nil {
				task.Discard()
			}
		default:
			return
		}
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		QueueSize: p.queueSize,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	QueueSize int    `json:"queue_size"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Discarded uint64 `json:"discarded"`
}

// QueueUtilization returns the queue fill level as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.Queued) / float64(s.QueueSize) * 100.0
}
