package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrExecutorStopped is returned when a task is submitted after Stop.
var ErrExecutorStopped = errors.New("executor is stopped")

// Executor runs asynchronous continuations of execution attempts.
type Executor interface {
	// Execute schedules task. It must not block on task completion.
	Execute(task func()) error
	// Stop rejects new tasks and waits for running ones.
	Stop(ctx context.Context) error
}

// PoolExecutor runs tasks on goroutines bounded by a fixed number of slots.
type PoolExecutor struct {
	slots  chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

var _ Executor = (*PoolExecutor)(nil)

// NewPoolExecutor creates an executor running at most workers tasks at once.
func NewPoolExecutor(workers int, logger *slog.Logger) *PoolExecutor {
	if workers <= 0 {
		workers = DefaultAsyncWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolExecutor{
		slots:  make(chan struct{}, workers),
		logger: logger,
	}
}

// Execute runs task on its own goroutine once a slot is free.
func (p *PoolExecutor) Execute(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrExecutorStopped
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("async task panicked",
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		task()
	}()
	return nil
}

// Stop waits for submitted tasks or until ctx is done.
func (p *PoolExecutor) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
