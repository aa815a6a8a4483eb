// Package processor implements the Processor: a singleton, in-process
// async HTTP engine that accepts, multiplexes, and completes HTTP
// requests using a cooperative I/O reactor.
//
// The single-cooperative-thread requirement is realized as one
// dedicated reactor goroutine that never itself blocks on a syscall;
// each accepted task runs its HTTP exchange on its own short-lived
// goroutine (internal/executor's fasthttp client already does
// non-blocking socket I/O under the hood, so the Go runtime's
// scheduler is the cooperative multiplexer this calls for). Shutdown's
// bounded drain-then-cancel-and-reenqueue fan-out uses an
// errgroup+semaphore pattern, generalized from "one group's queued
// requests" to "every still in-flight task at the shutdown deadline".
package processor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asynchttp/dam/internal/config"
	"github.com/asynchttp/dam/internal/dispatch"
	"github.com/asynchttp/dam/internal/executor"
	"github.com/asynchttp/dam/internal/metrics"
	"github.com/asynchttp/dam/internal/obslog"
	"github.com/asynchttp/dam/internal/registry"
	"github.com/asynchttp/dam/pkg/asynchttp"
	"github.com/asynchttp/dam/pkg/jobqueue"
)

// Registry is the subset of *registry.Registry the processor needs.
// Accepting an interface lets tests run the full state machine and
// S1-S9 scenarios without a live Redis (the inflight registry
// is a genuinely external collaborator; the processor's own
// correctness doesn't depend on which KV backs it).
type Registry interface {
	Register(ctx context.Context, e registry.Entry) error
	Heartbeat(ctx context.Context, ids []string, now time.Time) error
	Remove(ctx context.Context, id string) error
}

// Monitor is the subset of *monitor.Monitor the processor drives.
type Monitor interface {
	Start(ctx context.Context)
	Stop()
}

// localTask is the processor's own bookkeeping for one accepted,
// not-yet-terminal request.
type localTask struct {
	req        asynchttp.Request
	cancel     context.CancelFunc
	acceptedAt time.Time
}

type task struct {
	req asynchttp.Request
	ctx context.Context
}

// Processor is the reactor described above. Construct with New,
// drive with Start/Quiet/Stop, and submit work with Enqueue.
type Processor struct {
	cfg        config.Config
	exec       *executor.Executor
	reg        Registry // nil disables the shared inflight registry
	monitor    Monitor  // nil disables the monitor goroutine
	dispatcher *dispatch.Dispatcher
	pusher     jobqueue.Pusher
	metrics    *metrics.Metrics
	log        *obslog.Logger
	ownerPID   int

	mu    sync.Mutex
	state State

	sem    chan struct{}
	intake chan task

	localMu sync.Mutex
	local   map[string]*localTask

	reactorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// Deps bundles the collaborators New needs, grouped the way a
// Dispatcher's store+client+config are typically grouped.
type Deps struct {
	Config     config.Config
	Executor   *executor.Executor
	Registry   Registry // optional
	Monitor    Monitor  // optional
	Dispatcher *dispatch.Dispatcher
	Pusher     jobqueue.Pusher
	Metrics    *metrics.Metrics
	Logger     *obslog.Logger
}

// New constructs a Processor in the Stopped state. Call Start before
// Enqueue.
func New(d Deps) (*Processor, error) {
	if err := d.Config.Validate(); err != nil {
		return nil, fmt.Errorf("processor: invalid config: %w", err)
	}
	if d.Executor == nil {
		return nil, fmt.Errorf("processor: executor is required")
	}
	if d.Dispatcher == nil {
		return nil, fmt.Errorf("processor: dispatcher is required")
	}
	if d.Pusher == nil {
		return nil, fmt.Errorf("processor: pusher is required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = obslog.New("processor")
	}

	return &Processor{
		cfg:        d.Config,
		exec:       d.Executor,
		reg:        d.Registry,
		monitor:    d.Monitor,
		dispatcher: d.Dispatcher,
		pusher:     d.Pusher,
		metrics:    d.Metrics,
		log:        d.Logger,
		ownerPID:   os.Getpid(),
		state:      StateStopped,
	}, nil
}

// State returns the current lifecycle state under the processor's
// lock, satisfying the "no read may observe a state
// transition mid-flight".
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InFlightCount returns the number of locally tracked in-flight tasks.
func (p *Processor) InFlightCount() int {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	return len(p.local)
}

// LocalRequestIDs returns the request ids currently tracked locally,
// for the monitor's heartbeat pass.
func (p *Processor) LocalRequestIDs() []string {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	ids := make([]string, 0, len(p.local))
	for id := range p.local {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns the processor's counters.
func (p *Processor) Metrics() *metrics.Metrics { return p.metrics }

// Start transitions Stopped -> Starting -> Running: it initializes
// the reactor and, if configured, spawns the monitor.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateStarting
	p.mu.Unlock()

	reactorCtx, cancel := context.WithCancel(context.Background())
	p.reactorCancel = cancel
	p.sem = make(chan struct{}, p.cfg.MaxConnections)
	p.intake = make(chan task, p.cfg.MaxConnections)
	p.local = make(map[string]*localTask)

	ready := make(chan struct{})
	p.wg.Add(1)
	go p.reactorLoop(reactorCtx, ready)
	<-ready

	if p.monitor != nil {
		p.monitor.Start(reactorCtx)
	}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	p.log.Info("processor started", map[string]any{"max_connections": p.cfg.MaxConnections})
	return nil
}

// Quiet transitions Running -> Draining: no new work is accepted, but
// in-flight tasks are left to finish normally.
func (p *Processor) Quiet() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return fmt.Errorf("processor: quiet requires state running, was %s", p.state)
	}
	p.state = StateDraining
	p.log.Info("processor draining", nil)
	return nil
}

// Enqueue accepts req for execution: it fails fast with ErrNotRunning
// or ErrMaxCapacity, otherwise registers the task locally (and in the
// shared registry, if configured) and returns immediately — the HTTP
// exchange itself runs on the reactor.
func (p *Processor) Enqueue(ctx context.Context, req asynchttp.Request) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	if err := p.acquireSlot(); err != nil {
		cancel()
		return err
	}

	now := time.Now()
	p.localMu.Lock()
	p.local[req.ID()] = &localTask{req: req, cancel: cancel, acceptedAt: now}
	p.localMu.Unlock()

	if p.reg != nil {
		entry := registry.Entry{
			RequestID:   req.ID(),
			JobEnvelope: req.JobEnvelope(),
			EnqueuedAt:  now,
			OwnerPID:    p.ownerPID,
		}
		if err := p.reg.Register(ctx, entry); err != nil {
			p.abandon(req.ID())
			return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
		}
	}

	p.metrics.RequestStarted()

	select {
	case p.intake <- task{req: req, ctx: taskCtx}:
		return nil
	case <-ctx.Done():
		p.abandon(req.ID())
		return ctx.Err()
	}
}

// abandon undoes a partially-accepted Enqueue: releases the semaphore
// slot and removes the local bookkeeping entry.
func (p *Processor) abandon(id string) {
	p.localMu.Lock()
	lt, ok := p.local[id]
	if ok {
		delete(p.local, id)
	}
	p.localMu.Unlock()
	if ok {
		lt.cancel()
		<-p.sem
	}
}

// acquireSlot enforces the bounded-concurrency requirement
// via the three selectable backpressure strategies; it only ever
// affects Enqueue, never execution. The "block" strategy's wait is
// bounded by Config.BlockTimeout rather than the caller's own
// deadline (DESIGN.md Open Question 2).
func (p *Processor) acquireSlot() error {
	switch p.cfg.BackpressureStrategy {
	case config.BackpressureBlock:
		select {
		case p.sem <- struct{}{}:
			return nil
		case <-time.After(p.cfg.BlockTimeout):
			return ErrMaxCapacity
		}
	case config.BackpressureDropOldest:
		select {
		case p.sem <- struct{}{}:
			return nil
		default:
			if !p.evictOldest() {
				return ErrMaxCapacity
			}
			p.sem <- struct{}{}
			return nil
		}
	default: // BackpressureRaise
		select {
		case p.sem <- struct{}{}:
			return nil
		default:
			return ErrMaxCapacity
		}
	}
}

// evictOldest cancels and re-enqueues the longest-accepted in-flight
// task to make room for a new one ("drop_oldest"),
// releasing its semaphore slot synchronously so the caller can
// immediately re-acquire it.
func (p *Processor) evictOldest() bool {
	p.localMu.Lock()
	var oldestID string
	var oldest *localTask
	for id, lt := range p.local {
		if oldest == nil || lt.acceptedAt.Before(oldest.acceptedAt) {
			oldestID, oldest = id, lt
		}
	}
	if oldest == nil {
		p.localMu.Unlock()
		return false
	}
	delete(p.local, oldestID)
	p.localMu.Unlock()

	oldest.cancel()
	<-p.sem
	if env := oldest.req.JobEnvelope(); env.Class != "" {
		if err := p.pusher.Push(context.Background(), env.WithIncrementedRetry()); err != nil {
			p.metrics.ReenqueueFailed()
			p.log.Warn("drop_oldest re-enqueue failed", map[string]any{"request_id": oldestID, "error": err.Error()})
		}
	}
	if p.reg != nil {
		_ = p.reg.Remove(context.Background(), oldestID)
	}
	p.log.Info("evicted oldest in-flight task for drop_oldest backpressure", map[string]any{"request_id": oldestID})
	return true
}

// reactorLoop is the single cooperative dispatch loop: it pops
// accepted tasks and spawns their execution goroutine, and on its own
// ticker refreshes local heartbeats (reactor loop steps
// 1-3; step 4's inter-loop yield is the Go scheduler's job, see the
// package doc comment).
func (p *Processor) reactorLoop(ctx context.Context, ready chan struct{}) {
	defer p.wg.Done()
	close(ready)

	heartbeatTicker := time.NewTicker(p.cfg.InflightUpdateInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.intake:
			if !ok {
				return
			}
			p.wg.Add(1)
			go p.executeTask(t)
		case <-heartbeatTicker.C:
			p.refreshHeartbeats(ctx)
		}
	}
}

func (p *Processor) refreshHeartbeats(ctx context.Context) {
	if p.reg == nil {
		return
	}
	p.localMu.Lock()
	ids := make([]string, 0, len(p.local))
	for id := range p.local {
		ids = append(ids, id)
	}
	p.localMu.Unlock()
	if len(ids) == 0 {
		return
	}
	if err := p.reg.Heartbeat(ctx, ids, time.Now()); err != nil {
		p.log.Warn("heartbeat refresh failed", map[string]any{"error": err.Error(), "count": len(ids)})
	}
}

// executeTask runs one task's HTTP exchange to completion and
// dispatches its terminal value. A per-task recover() converts a
// panic into an Error value so one task failing never crashes the
// reactor ("per-task catch-all").
func (p *Processor) executeTask(t task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err := asynchttp.NewError(asynchttp.ErrorFields{
				ClassName: "PanicError",
				Message:   fmt.Sprintf("%v", r),
				ErrorType: asynchttp.ErrorTypeUnknown,
				RequestID: t.req.ID(),
				URL:       t.req.URL(),
				Method:    t.req.Method(),
			})
			p.finish(t, nil, err)
		}
	}()

	// Do runs apart so a canceled t.ctx releases this task at once.
	var resp asynchttp.Response
	var err error
	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		resp, err = p.exec.Do(t.ctx, t.req)
	}()
	select {
	case r := <-done:
		if r != nil {
			panic(r)
		}
	case <-t.ctx.Done():
		return
	}
	if err != nil {
		if t.ctx.Err() != nil {
			// Cooperative cancellation: the shutdown path already
			// removed this task and re-enqueued its envelope, never
			// surface it as on_error ("Cancellation").
			return
		}
		p.finish(t, nil, err)
		return
	}

	if t.req.RaiseErrorResponses() && (resp.ClientError() || resp.ServerError()) {
		httpErr, convErr := asynchttp.NewHTTPError(resp)
		if convErr != nil {
			p.finish(t, &resp, nil)
			return
		}
		p.finish(t, nil, httpErr)
		return
	}

	p.finish(t, &resp, nil)
}

// finish is the single exit point for a terminal task: it is
// idempotent against a concurrent shutdown/eviction removal (if the
// entry is already gone, this task's result is moot — someone else
// already re-enqueued its envelope).
func (p *Processor) finish(t task, resp *asynchttp.Response, terminalErr error) {
	p.localMu.Lock()
	lt, present := p.local[t.req.ID()]
	if present {
		delete(p.local, t.req.ID())
	}
	p.localMu.Unlock()
	if !present {
		return
	}
	<-p.sem

	duration := time.Since(lt.acceptedAt)
	p.metrics.RequestFinished(classifyForMetrics(terminalErr), duration.Seconds())

	ctx := context.Background()
	if err := p.dispatcher.Enqueue(ctx, p.pusher, t.req, resp, terminalErr); err != nil {
		p.log.Error("callback dispatch failed", err, map[string]any{"request_id": t.req.ID()})
		if env := t.req.JobEnvelope(); env.Class != "" {
			if pushErr := p.pusher.Push(ctx, env.WithIncrementedRetry()); pushErr != nil {
				p.metrics.ReenqueueFailed()
			}
		}
	}

	if p.reg != nil {
		if err := p.reg.Remove(ctx, t.req.ID()); err != nil {
			p.log.Warn("registry remove failed", map[string]any{"request_id": t.req.ID(), "error": err.Error()})
		}
	}
}

func classifyForMetrics(err error) asynchttp.ErrorType {
	switch e := err.(type) {
	case nil:
		return ""
	case asynchttp.Error:
		return e.ErrorType()
	case asynchttp.TooManyRedirectsError:
		return asynchttp.ErrorTypeRedirect
	case asynchttp.RecursiveRedirectError:
		return asynchttp.ErrorTypeRedirect
	case asynchttp.ClientError, asynchttp.ServerError:
		return ""
	default:
		_ = e
		return asynchttp.ErrorTypeUnknown
	}
}

// Stop executes the shutdown algorithm: stop accepting
// work, wait up to timeout for in-flight tasks to finish naturally,
// then cooperatively cancel and re-enqueue whatever remains, drain
// this process's owned registry entries, and stop the monitor.
func (p *Processor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	if p.state == StateStarting {
		p.mu.Unlock()
		return fmt.Errorf("processor: cannot stop while starting")
	}
	p.state = StateStopping
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && p.InFlightCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}

	p.localMu.Lock()
	remaining := make([]*localTask, 0, len(p.local))
	remainingIDs := make([]string, 0, len(p.local))
	for id, lt := range p.local {
		remaining = append(remaining, lt)
		remainingIDs = append(remainingIDs, id)
		delete(p.local, id)
	}
	p.localMu.Unlock()

	if len(remaining) > 0 {
		g, _ := errgroup.WithContext(context.Background())
		for i := range remaining {
			lt := remaining[i]
			g.Go(func() error {
				lt.cancel()
				<-p.sem
				env := lt.req.JobEnvelope()
				if env.Class == "" {
					return nil
				}
				if err := p.pusher.Push(context.Background(), env.WithIncrementedRetry()); err != nil {
					p.metrics.ReenqueueFailed()
					return fmt.Errorf("re-enqueue %s: %w", lt.req.ID(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// log and continue (DESIGN.md Open Question 1): a failed
			// re-enqueue is surfaced as an aggregate warning, never
			// blocks the transition to Stopped.
			p.log.Warn("shutdown: one or more re-enqueues failed", map[string]any{"error": err.Error()})
		}

		if p.reg != nil {
			for _, id := range remainingIDs {
				_ = p.reg.Remove(context.Background(), id)
			}
		}
	}

	if p.monitor != nil {
		p.monitor.Stop()
	}
	p.reactorCancel()
	p.wg.Wait()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	p.log.Info("processor stopped", map[string]any{"force_reenqueued": len(remaining)})
	return nil
}

// Reset tears the reactor and monitor down synchronously regardless
// of current state, for test isolation only ("expose a
// reset! that tears down reactor and monitor synchronously").
func (p *Processor) Reset() {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateStopped {
		return
	}
	_ = p.Stop(0)
}
