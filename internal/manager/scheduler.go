package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ticker is driven by the scheduler
type Ticker interface {
	TimeTic(now time.Time)
}

// Scheduler is the time thread: it calls TimeTic at a fixed interval until
// stopped. A tick that overruns the interval delays the next one.
type Scheduler struct {
	interval time.Duration
	target   Ticker
	logger   *zap.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler for target
func NewScheduler(interval time.Duration, target Ticker, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		interval: interval,
		target:   target,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the time thread
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
}

// Stop stops the time thread and waits for the running tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Tick panic recovered", zap.Any("panic", r))
		}
	}()
	s.target.TimeTic(now)
}
