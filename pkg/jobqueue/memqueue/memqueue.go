// Package memqueue is a minimal in-process job-worker pool that
// satisfies the jobqueue.Pusher/LifecycleHooks contracts. It exists so
// the processor, its tests, and the demo binary have a real queue to
// run against without depending on any particular production job
// system (Sidekiq-alike, asynq, etc.) — those remain external
// collaborators reached only through the Pusher/LifecycleHooks
// interfaces.
package memqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/asynchttp/dam/pkg/jobqueue"
)

// Handler runs one job class's args.
type Handler func(ctx context.Context, args []any) error

// Queue is a tiny multi-worker job queue: Push enqueues an Envelope,
// a fixed pool of goroutines pops and runs the registered Handler for
// its Class.
type Queue struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	jobs    chan jobqueue.Envelope
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	onError func(class string, err error)

	startupFns  []func(context.Context)
	quietFns    []func(context.Context)
	shutdownFns []func(context.Context)
}

// New starts a Queue with the given number of workers and a bounded
// intake buffer.
func New(workers, bufferSize int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		handlers: make(map[string]Handler),
		jobs:     make(chan jobqueue.Envelope, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// OnError installs a callback invoked whenever a handler returns an
// error or panics. Optional; defaults to swallowing (logged by
// callers that care via their own handler wrapping).
func (q *Queue) OnError(fn func(class string, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = fn
}

// Register binds class to a handler. Re-registering a class replaces
// its handler.
func (q *Queue) Register(class string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[class] = h
}

// Push implements jobqueue.Pusher.
func (q *Queue) Push(ctx context.Context, env jobqueue.Envelope) error {
	select {
	case q.jobs <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return fmt.Errorf("memqueue: queue is stopped")
	}
}

// OnStartup implements jobqueue.LifecycleHooks.
func (q *Queue) OnStartup(fn func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startupFns = append(q.startupFns, fn)
}

// OnQuiet implements jobqueue.LifecycleHooks.
func (q *Queue) OnQuiet(fn func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quietFns = append(q.quietFns, fn)
}

// OnShutdown implements jobqueue.LifecycleHooks.
func (q *Queue) OnShutdown(fn func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdownFns = append(q.shutdownFns, fn)
}

// Startup fires every registered startup hook.
func (q *Queue) Startup(ctx context.Context) {
	q.mu.RLock()
	fns := append([]func(context.Context){}, q.startupFns...)
	q.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// Quiet fires every registered quiet hook.
func (q *Queue) Quiet(ctx context.Context) {
	q.mu.RLock()
	fns := append([]func(context.Context){}, q.quietFns...)
	q.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// Shutdown fires every registered shutdown hook, then stops accepting
// new jobs and waits for in-flight handler invocations to drain.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.RLock()
	fns := append([]func(context.Context){}, q.shutdownFns...)
	q.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx)
	}
	q.cancel()
	close(q.jobs)
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for env := range q.jobs {
		q.run(env)
	}
}

func (q *Queue) run(env jobqueue.Envelope) {
	q.mu.RLock()
	h, ok := q.handlers[env.Class]
	onError := q.onError
	q.mu.RUnlock()
	if !ok {
		if onError != nil {
			onError(env.Class, fmt.Errorf("memqueue: no handler registered for class %q", env.Class))
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if onError != nil {
				onError(env.Class, fmt.Errorf("memqueue: handler panicked: %v\n%s", r, debug.Stack()))
			}
		}
	}()

	if err := h(q.ctx, env.Args); err != nil && onError != nil {
		onError(env.Class, err)
	}
}
