// Package scheduler runs a background task on a timer when a trigger
// condition holds. The condition is separate from the timer so each can be
// tested on its own.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is the work a scheduler runs.
type Task func(ctx context.Context) error

// Scheduler checks its condition every interval and runs the task when the
// condition is ready.
//
// Thread Safety: All public methods are safe for concurrent use. Start and
// Stop are serialized by a mutex; Stop waits for the loop to exit.
type Scheduler struct {
	// name identifies the scheduler in logs
	name string

	// interval is the time between condition checks
	interval time.Duration

	// timeout bounds a single task run
	timeout time.Duration

	condition Condition
	task      Task
	logger    *zap.Logger

	// mu protects running, stopCh and doneCh
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the check interval. Defaults to 5 minutes.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = interval
	}
}

// WithCondition sets the trigger condition. Defaults to Always.
func WithCondition(c Condition) Option {
	return func(s *Scheduler) {
		s.condition = c
	}
}

// WithTimeout bounds each task run. Defaults to 10 minutes.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = timeout
	}
}

// WithName sets the name used in log entries.
func WithName(name string) Option {
	return func(s *Scheduler) {
		s.name = name
	}
}

// New creates a scheduler for task. It does not start automatically.
func New(task Task, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Scheduler{
		name:      "scheduler",
		interval:  5 * time.Minute,
		timeout:   10 * time.Minute,
		condition: Always,
		task:      task,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if s.condition == nil {
		return nil, fmt.Errorf("condition cannot be nil")
	}
	return s, nil
}

// Start launches the background loop. Starting a running scheduler is an
// error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("%s is already running", s.name)
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("scheduler started",
		zap.String("scheduler", s.name),
		zap.Duration("interval", s.interval))

	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop to exit and waits for it, including any task run
// in progress. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped", zap.String("scheduler", s.name))
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled run failed",
					zap.String("scheduler", s.name),
					zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// RunOnce checks the condition and runs the task if it is ready. It
// reports whether the task ran. A panicking task is recovered and reported
// as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (ran bool, err error) {
	ready, err := s.condition.Ready(ctx)
	if err != nil {
		return false, fmt.Errorf("checking trigger condition: %w", err)
	}
	if !ready {
		s.logger.Debug("trigger condition not ready, skipping", zap.String("scheduler", s.name))
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked, continuing scheduler",
				zap.String("scheduler", s.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			ran, err = true, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return true, s.task(runCtx)
}
