package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRegistryClosed is returned once Shutdown has begun.
var ErrRegistryClosed = errors.New("lifecycle: registry closed")

// LifecycleRegistry supervises background work: one cancellable task per order id plus anonymous
// jobs such as API-path notifications. Shutdown cancels everything and waits for it to finish.
type LifecycleRegistry struct {
	logger *zap.Logger

	root       context.Context
	cancelRoot context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*lifecycleTask
	closed bool
	wg     sync.WaitGroup
}

type lifecycleTask struct {
	cancel context.CancelFunc
}

// NewLifecycleRegistry constructs an empty registry.
func NewLifecycleRegistry(logger *zap.Logger) *LifecycleRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	return &LifecycleRegistry{
		logger:     logger,
		root:       root,
		cancelRoot: cancel,
		tasks:      make(map[string]*lifecycleTask),
	}
}

// Start runs fn in its own goroutine under a context that Cancel(id) or Shutdown cancels.
// It returns ErrRegistryClosed after shutdown and an error when id already has a running task.
func (r *LifecycleRegistry) Start(id string, fn func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.tasks[id]; exists {
		return errors.New("lifecycle: task already running for " + id)
	}

	ctx, cancel := context.WithCancel(r.root)
	task := &lifecycleTask{cancel: cancel}
	r.tasks[id] = task
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(id, task)
		defer cancel()
		r.run(ctx, id, fn)
	}()
	return nil
}

// Go runs fn as an untracked-by-id job that Shutdown still waits for.
func (r *LifecycleRegistry) Go(fn func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(r.root, "", fn)
	}()
	return nil
}

// Cancel stops the task registered for id. It reports whether a task was running.
func (r *LifecycleRegistry) Cancel(id string) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if ok {
		task.cancel()
	}
	return ok
}

// Active returns the number of running order tasks.
func (r *LifecycleRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown refuses new work, cancels every task and waits for all goroutines to return or for ctx
// to expire, whichever comes first.
func (r *LifecycleRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pending := len(r.tasks)
	r.mu.Unlock()

	r.cancelRoot()
	r.logger.Info("lifecycle registry draining", zap.Int("tasks", pending))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *LifecycleRegistry) run(ctx context.Context, id string, fn func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("lifecycle task panicked", zap.String("orderId", id), zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	fn(ctx)
}

func (r *LifecycleRegistry) forget(id string, task *lifecycleTask) {
	r.mu.Lock()
	if current, ok := r.tasks[id]; ok && current == task {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
}
