// Package config holds the validated tuning-knob bundle for the async
// HTTP processor: capacity, timing, backpressure policy, payload-store
// registration, and global before/after hooks. It is modeled on a
// "construct defaults, mutate, validate" Config/DefaultConfig() shape
// from a similar system, widened from a handful of knobs to the full
// tuning surface the processor needs.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/asynchttp/dam/pkg/asynchttp"
	"github.com/asynchttp/dam/internal/payloadstore"
)

// BackpressureStrategy selects what Enqueue does when the processor
// is already at MaxConnections in-flight requests.
type BackpressureStrategy string

const (
	BackpressureRaise      BackpressureStrategy = "raise"
	BackpressureBlock      BackpressureStrategy = "block"
	BackpressureDropOldest BackpressureStrategy = "drop_oldest"
)

// Hook is a global before/after callback-dispatch hook.
type Hook func(ctx HookContext)

// HookContext is passed to a global hook at callback-dispatch time.
type HookContext struct {
	Response *asynchttp.Response
	Err      error
	Request  asynchttp.Request
}

// Config is the full tuning-knob bundle. Use DefaultConfig and
// override fields, then call Validate before handing it to the
// processor — the same "construct defaults, mutate, validate"
// shape as a prior dispatcher.Config.
type Config struct {
	// Capacity & backpressure
	MaxConnections       int
	BackpressureStrategy BackpressureStrategy
	BlockTimeout         time.Duration

	// Reactor cadence
	DequeueInterval       time.Duration
	InflightUpdateInterval time.Duration
	TickInterval          time.Duration

	// Inflight registry / monitor
	HeartbeatInterval   time.Duration
	OrphanThreshold     time.Duration
	GCLockTTL           time.Duration
	PanicOnMonitorError bool

	// Payload store
	PayloadStoreThreshold int // bytes; bodies over this are offloaded
	PayloadTTL            time.Duration
	CallbackRetryHorizon  time.Duration
	PayloadStores         map[string]payloadstore.Store
	DefaultPayloadStore   string

	// HTTP executor 
	DefaultTimeout        time.Duration
	DefaultConnectTimeout time.Duration
	DefaultMaxRedirects   int
	MaxHostClients        int
	IdleConnectionTimeout time.Duration
	MaxResponseSize       int64
	EnableHTTP2           bool
	ProxyURL              string
	HostRateLimit         float64 // requests/sec per host, 0 disables

	// Hooks (step 3)
	AfterCompletion []Hook
	AfterError      []Hook

	// Observability
	SentryDSN string
}

// DefaultConfig returns a Config with reasonable production defaults
// (dequeue poll=100ms, inflight heartbeat update=5s, reactor tick=10ms,
// heartbeat_interval=60s, orphan_threshold=300s, gc lock ttl=30s) plus
// zero values for everything the caller is expected to supply.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       100,
		BackpressureStrategy: BackpressureRaise,
		BlockTimeout:         2 * time.Second,

		DequeueInterval:        100 * time.Millisecond,
		InflightUpdateInterval: 5 * time.Second,
		TickInterval:           10 * time.Millisecond,

		HeartbeatInterval:   60 * time.Second,
		OrphanThreshold:     300 * time.Second,
		GCLockTTL:           30 * time.Second,
		PanicOnMonitorError: false,

		PayloadStoreThreshold: 0,
		PayloadTTL:            24 * time.Hour,
		CallbackRetryHorizon:  6 * time.Hour,
		PayloadStores:         map[string]payloadstore.Store{},

		DefaultTimeout:        30 * time.Second,
		DefaultConnectTimeout: 5 * time.Second,
		DefaultMaxRedirects:   5,
		MaxHostClients:        64,
		IdleConnectionTimeout: 90 * time.Second,
		MaxResponseSize:       32 * 1024 * 1024,
		EnableHTTP2:           false,
		HostRateLimit:         0,
	}
}

// RegisterPayloadStore adds a named store, optionally marking it the
// default.
func (c *Config) RegisterPayloadStore(name string, store payloadstore.Store, makeDefault bool) {
	if c.PayloadStores == nil {
		c.PayloadStores = map[string]payloadstore.Store{}
	}
	c.PayloadStores[name] = store
	if makeDefault || c.DefaultPayloadStore == "" {
		c.DefaultPayloadStore = name
	}
}

// AddAfterCompletion registers a global on_complete hook.
func (c *Config) AddAfterCompletion(h Hook) { c.AfterCompletion = append(c.AfterCompletion, h) }

// AddAfterError registers a global on_error hook.
func (c *Config) AddAfterError(h Hook) { c.AfterError = append(c.AfterError, h) }

// Validate checks every cross-field invariant and returns a single
// joined error describing every violation found, in the "collect,
// don't short-circuit" spirit a prior storage layer uses for wrapped
// errors (though here we actually accumulate rather than just wrap
// one).
func (c Config) Validate() error {
	var errs []error

	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("config: max_connections must be positive"))
	}
	if c.HeartbeatInterval <= 0 || c.OrphanThreshold <= 0 {
		errs = append(errs, errors.New("config: heartbeat_interval and orphan_threshold must be positive"))
	}
	if c.HeartbeatInterval >= c.OrphanThreshold {
		errs = append(errs, fmt.Errorf("config: heartbeat_interval (%s) must be less than orphan_threshold (%s)", c.HeartbeatInterval, c.OrphanThreshold))
	}
	if c.DequeueInterval <= 0 || c.InflightUpdateInterval <= 0 || c.TickInterval <= 0 {
		errs = append(errs, errors.New("config: dequeue/inflight-update/tick intervals must be positive"))
	}

	switch c.BackpressureStrategy {
	case BackpressureRaise, BackpressureBlock, BackpressureDropOldest:
	default:
		errs = append(errs, fmt.Errorf("config: unknown backpressure_strategy %q", c.BackpressureStrategy))
	}
	if c.BackpressureStrategy == BackpressureBlock && c.BlockTimeout <= 0 {
		errs = append(errs, errors.New("config: block_timeout must be positive when backpressure_strategy is block"))
	}

	if c.DefaultPayloadStore != "" {
		if _, ok := c.PayloadStores[c.DefaultPayloadStore]; !ok {
			errs = append(errs, fmt.Errorf("config: default_payload_store %q is not registered", c.DefaultPayloadStore))
		}
	}
	if c.PayloadStoreThreshold > 0 && c.DefaultPayloadStore == "" {
		errs = append(errs, errors.New("config: payload_store_threshold is set but no default payload store is registered"))
	}
	if c.PayloadTTL > 0 && c.CallbackRetryHorizon > 0 && c.PayloadTTL < c.CallbackRetryHorizon {
		errs = append(errs, fmt.Errorf("config: payload_ttl (%s) must be >= callback_retry_horizon (%s)", c.PayloadTTL, c.CallbackRetryHorizon))
	}

	if c.MaxHostClients <= 0 {
		errs = append(errs, errors.New("config: max_host_clients must be positive"))
	}
	if c.MaxResponseSize <= 0 {
		errs = append(errs, errors.New("config: max_response_size must be positive"))
	}
	if c.DefaultMaxRedirects < 0 {
		errs = append(errs, errors.New("config: default_max_redirects must be non-negative"))
	}

	return errors.Join(errs...)
}
