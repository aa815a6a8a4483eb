// Package integration provides the glue to the surrounding job
// system: middleware that captures the current job context, lifecycle
// hooks wired to a host job system's startup/quiet/shutdown signals,
// the one-shot Request/Get/Post/... convenience API any worker can
// call, and the RequestJob fallback
// path. Grounded on cmd/server/main.go's signal-handling/graceful-
// shutdown block, generalized from "one Fiber app + dispatcher" to
// "one job queue + processor".
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asynchttp/dam/internal/config"
	"github.com/asynchttp/dam/internal/dispatch"
	"github.com/asynchttp/dam/internal/executor"
	"github.com/asynchttp/dam/internal/metrics"
	"github.com/asynchttp/dam/internal/monitor"
	"github.com/asynchttp/dam/internal/obslog"
	"github.com/asynchttp/dam/internal/processor"
	"github.com/asynchttp/dam/internal/registry"
	"github.com/asynchttp/dam/pkg/asynchttp"
	"github.com/asynchttp/dam/pkg/jobqueue"
)

// RequestJobClass is the optional fallback job class: it allows
// enqueuing requests even when the calling code itself isn't already
// inside a worker; on execution it simply calls Processor.Enqueue.
const RequestJobClass = "RequestJob"

// Dam is the managed singleton: an injected Configuration plus
// explicit lifecycle methods, rather than package-level global
// mutable state.
type Dam struct {
	cfg       config.Config
	proc      *processor.Processor
	callbacks *dispatch.Registry
	disp      *dispatch.Dispatcher
	log       *obslog.Logger
}

// Options bundles everything Build needs beyond the tuning knobs
// already in cfg.
type Options struct {
	Config           config.Config
	Pusher           jobqueue.Pusher
	RedisClient      *redis.Client // optional; nil disables the shared inflight registry
	CallbackRegistry *dispatch.Registry
	Logger           *obslog.Logger
}

// Build wires a Dam: config validation, the HTTP executor, the
// (optional) inflight registry, the callback dispatcher, the monitor,
// and the processor itself. It does not start anything; call
// dam.Start to enter the Running state.
func Build(opts Options) (*Dam, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("integration: invalid config: %w", err)
	}
	if opts.Pusher == nil {
		return nil, fmt.Errorf("integration: a jobqueue.Pusher is required")
	}
	if opts.CallbackRegistry == nil {
		opts.CallbackRegistry = dispatch.NewRegistry()
	}
	if err := obslog.InitSentry(opts.Config.SentryDSN); err != nil {
		return nil, fmt.Errorf("integration: init sentry: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = obslog.New("dam")
	} else {
		log = log.WithSentry(opts.Config.SentryDSN != "")
	}

	exec, err := executor.New(executor.Config{
		MaxHostClients:        opts.Config.MaxHostClients,
		IdleConnectionTimeout: opts.Config.IdleConnectionTimeout,
		MaxResponseSize:       int(opts.Config.MaxResponseSize),
		EnableHTTP2:           opts.Config.EnableHTTP2,
		ProxyURL:              opts.Config.ProxyURL,
		HostRateLimit:         opts.Config.HostRateLimit,
		DialTimeout:           opts.Config.DefaultConnectTimeout,
		DefaultTimeout:        opts.Config.DefaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("integration: build executor: %w", err)
	}

	m := metrics.New()
	disp := dispatch.New(&opts.Config, opts.CallbackRegistry)

	var procReg processor.Registry
	var monReg monitor.Registry
	if opts.RedisClient != nil {
		reg := registry.New(opts.RedisClient, opts.Config.GCLockTTL)
		procReg = reg
		monReg = reg
	}

	// proc is assigned below; the monitor's localIDs closure captures
	// it by reference so construction order (monitor needs the
	// processor's local-id lookup, the processor needs the monitor)
	// doesn't have to be a cycle.
	var proc *processor.Processor
	var mon *monitor.Monitor
	if monReg != nil {
		mon = monitor.New(monitor.Config{
			HeartbeatInterval:   opts.Config.HeartbeatInterval,
			OrphanThreshold:     opts.Config.OrphanThreshold,
			PanicOnMonitorError: opts.Config.PanicOnMonitorError,
		}, monReg, opts.Pusher, func() []string {
			if proc == nil {
				return nil
			}
			return proc.LocalRequestIDs()
		}, obslog.New("monitor"))
	}

	proc, err = processor.New(processor.Deps{
		Config:     opts.Config,
		Executor:   exec,
		Registry:   procReg,
		Monitor:    monitorOrNil(mon),
		Dispatcher: disp,
		Pusher:     opts.Pusher,
		Metrics:    m,
		Logger:     obslog.New("processor"),
	})
	if err != nil {
		return nil, fmt.Errorf("integration: build processor: %w", err)
	}

	return &Dam{
		cfg:       opts.Config,
		proc:      proc,
		callbacks: opts.CallbackRegistry,
		disp:      disp,
		log:       log,
	}, nil
}

func monitorOrNil(m *monitor.Monitor) processor.Monitor {
	if m == nil {
		return nil
	}
	return m
}

// RegisterCallback exposes the underlying dispatch.Registry so caller
// code can bind a callback_class_name to a dispatch.Callback at init
// time ("the Request carries a name of the callback class,
// never an object reference").
func (d *Dam) RegisterCallback(name string, cb dispatch.Callback) {
	d.callbacks.Register(name, cb)
}

// Metrics returns the processor's counters snapshot.
func (d *Dam) Metrics() metrics.Snapshot { return d.proc.Metrics().Snapshot() }

// RawMetrics returns the underlying *metrics.Metrics, for registering
// a metrics.Collector with a Prometheus registry.
func (d *Dam) RawMetrics() *metrics.Metrics { return d.proc.Metrics() }

// State returns the processor's current lifecycle state.
func (d *Dam) State() processor.State { return d.proc.State() }

// Start transitions the processor into Running ("start!").
func (d *Dam) Start(ctx context.Context) error { return d.proc.Start(ctx) }

// Quiet stops accepting new work while in-flight requests finish
// ("quiet!").
func (d *Dam) Quiet() error { return d.proc.Quiet() }

// Shutdown runs the bounded drain-then-force-reenqueue algorithm
// ("shutdown(timeout)").
func (d *Dam) Shutdown(timeout time.Duration) error {
	return d.proc.Stop(timeout)
}

// Reset tears the processor down synchronously for test isolation
// ("reset!").
func (d *Dam) Reset() { d.proc.Reset() }

// Request is the one-shot convenience API: build a Request and hand
// it to the processor.
func (d *Dam) Request(ctx context.Context, method asynchttp.Method, url string, opts asynchttp.RequestOptions) (string, error) {
	req, err := asynchttp.NewRequest(method, url, opts)
	if err != nil {
		return "", err
	}
	if err := d.proc.Enqueue(ctx, req); err != nil {
		return "", err
	}
	return req.ID(), nil
}

func (d *Dam) Get(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodGet, url, opts)
}
func (d *Dam) Post(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodPost, url, opts)
}
func (d *Dam) Put(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodPut, url, opts)
}
func (d *Dam) Patch(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodPatch, url, opts)
}
func (d *Dam) Delete(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodDelete, url, opts)
}
func (d *Dam) Head(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodHead, url, opts)
}
func (d *Dam) Options(ctx context.Context, url string, opts asynchttp.RequestOptions) (string, error) {
	return d.Request(ctx, asynchttp.MethodOptions, url, opts)
}

// CallbackJobHandler adapts dispatch.Dispatcher.Execute into the
// job-queue Handler shape a host job queue expects, for registration
// under dispatch.CallbackJobClass.
func (d *Dam) CallbackJobHandler() func(ctx context.Context, args []any) error {
	return d.disp.Execute
}

// RequestJobHandler adapts the RequestJob fallback path into a
// job-queue Handler: it rebuilds a Request from the job's args and
// hands it straight to Processor.Enqueue.
func (d *Dam) RequestJobHandler() func(ctx context.Context, args []any) error {
	return func(ctx context.Context, args []any) error {
		if len(args) < 1 {
			return fmt.Errorf("integration: RequestJob expects at least 1 arg")
		}
		blob, _ := args[0].(string)
		var hash map[string]any
		if err := json.Unmarshal([]byte(blob), &hash); err != nil {
			return fmt.Errorf("integration: unmarshal RequestJob blob: %w", err)
		}
		req, err := asynchttp.UnmarshalRequestHash(hash)
		if err != nil {
			return fmt.Errorf("integration: rebuild request: %w", err)
		}
		return d.proc.Enqueue(ctx, req)
	}
}

// WireLifecycle binds hooks' startup/quiet/shutdown events to the
// Dam's own Start/Quiet/Shutdown, so the host job system's process
// signals (startup, quiet, graceful shutdown) drive the processor
// lifecycle directly.
func (d *Dam) WireLifecycle(hooks jobqueue.LifecycleHooks, shutdownTimeout time.Duration) {
	hooks.OnStartup(func(ctx context.Context) {
		if err := d.Start(ctx); err != nil {
			d.log.Error("lifecycle startup failed", err, nil)
		}
	})
	hooks.OnQuiet(func(ctx context.Context) {
		if err := d.Quiet(); err != nil {
			d.log.Warn("lifecycle quiet failed", map[string]any{"error": err.Error()})
		}
	})
	hooks.OnShutdown(func(ctx context.Context) {
		if err := d.Shutdown(shutdownTimeout); err != nil {
			d.log.Error("lifecycle shutdown failed", err, nil)
		}
	})
}

// CurrentJobMiddleware populates jobqueue.CurrentJobContext on ctx
// before calling next, the explicit-context replacement for a
// thread-local "current job" global.
func CurrentJobMiddleware(class, jid string, next func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return next(jobqueue.WithCurrentJob(ctx, jobqueue.CurrentJobContext{Class: class, JID: jid}))
	}
}
