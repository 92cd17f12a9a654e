package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"soloboard/pkg/logger"
)

const maxAttempts = 3

// Handler executes one task payload. Returning an error requeues the task
// until maxAttempts is reached, so handlers must be idempotent.
type Handler func(ctx context.Context, payload []byte) error

type task struct {
	Name     string
	Payload  []byte
	Attempts int
}

// Runner is an in-process work queue with at-least-once delivery. Enqueue
// never blocks the caller; a full queue is reported as an error instead.
type Runner struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	queue    chan task
	done     chan struct{}
	once     sync.Once
}

func NewRunner(queueSize int) *Runner {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Runner{
		handlers: make(map[string]Handler),
		queue:    make(chan task, queueSize),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a task name. Must be called before Enqueue for
// that name.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Enqueue schedules a task. Unknown names and a full queue both fail fast so
// the caller can decide whether the loss matters.
func (r *Runner) Enqueue(name string, payload []byte) error {
	r.mu.RLock()
	_, known := r.handlers[name]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("no handler registered for task %q", name)
	}

	select {
	case r.queue <- task{Name: name, Payload: payload}:
		return nil
	default:
		return fmt.Errorf("task queue full, dropping %q", name)
	}
}

// Run drains the queue until ctx is cancelled or Close is called. Failed
// tasks are retried with a short delay up to maxAttempts.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case t := <-r.queue:
			r.execute(ctx, t)
		}
	}
}

func (r *Runner) execute(ctx context.Context, t task) {
	r.mu.RLock()
	h := r.handlers[t.Name]
	r.mu.RUnlock()
	if h == nil {
		logger.Sugar.Errorf("Task %q has no handler, dropping", t.Name)
		return
	}

	if err := h(ctx, t.Payload); err != nil {
		t.Attempts++
		if t.Attempts >= maxAttempts {
			logger.Sugar.Errorf("Task %q failed %d times, giving up: %v", t.Name, t.Attempts, err)
			return
		}
		logger.Sugar.Warnf("Task %q failed (attempt %d), retrying: %v", t.Name, t.Attempts, err)
		go func() {
			select {
			case <-time.After(time.Duration(t.Attempts) * time.Second):
			case <-ctx.Done():
				return
			}
			select {
			case r.queue <- t:
			default:
				logger.Sugar.Errorf("Task queue full, dropping retry of %q", t.Name)
			}
		}()
	}
}

// Close stops the Run loop. Queued tasks that have not started are dropped.
func (r *Runner) Close() {
	r.once.Do(func() { close(r.done) })
}

// Periodic invokes fn every interval until ctx is cancelled. Errors are
// logged, never fatal.
func Periodic(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Sugar.Errorf("Periodic job %q failed: %v", name, err)
			}
		}
	}
}
