// Package monitor runs one background goroutine per process that
// periodically refreshes heartbeats for the processor's locally
// in-flight requests and, staggered against that
// same cadence, attempts the distributed GC lock and sweeps orphaned
// registry entries when it wins the lock.
//
// Grounded on internal/storage/pebbledb's BatchWriter (ticker + stop
// channel + drain-on-close goroutine idiom), generalized from
// "periodically flush a write batch" to "periodically heartbeat and
// attempt GC".
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/asynchttp/dam/internal/obslog"
	"github.com/asynchttp/dam/pkg/jobqueue"
)

// Registry is the subset of *registry.Registry the monitor drives.
type Registry interface {
	Heartbeat(ctx context.Context, ids []string, now time.Time) error
	AcquireGCLock(ctx context.Context) (bool, error)
	ReleaseGCLock(ctx context.Context) error
	CleanupOrphaned(ctx context.Context, threshold time.Duration, pusher jobqueue.Pusher, now time.Time) (int, error)
}

// Config is the subset of internal/config.Config the monitor needs.
type Config struct {
	HeartbeatInterval   time.Duration
	OrphanThreshold     time.Duration
	PanicOnMonitorError bool
}

// Monitor runs the heartbeat-refresh and orphan-GC loop described
// above. Start/Stop may be called at most once per instance; build a
// fresh Monitor for each Processor lifecycle.
type Monitor struct {
	cfg      Config
	reg      Registry
	pusher   jobqueue.Pusher
	localIDs func() []string
	log      *obslog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Monitor. localIDs is called on every heartbeat tick to
// get the processor's current locally in-flight request ids.
func New(cfg Config, reg Registry, pusher jobqueue.Pusher, localIDs func() []string, log *obslog.Logger) *Monitor {
	if log == nil {
		log = obslog.New("monitor")
	}
	return &Monitor{cfg: cfg, reg: reg, pusher: pusher, localIDs: localIDs, log: log}
}

// Start spawns the monitor goroutine. ctx being canceled is treated
// the same as Stop being called: sleeps are interruptible and stop
// unblocks immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop signals the monitor goroutine to exit and waits for it.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	heartbeatTicker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	// Stagger the GC-lock attempt half a cycle off the heartbeat tick
	// so the two don't contend for registry round trips in lockstep
	// ("staggered").
	gcTimer := time.NewTimer(m.cfg.HeartbeatInterval / 2)
	defer gcTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-heartbeatTicker.C:
			m.heartbeat(ctx)
		case <-gcTimer.C:
			m.tryGC(ctx)
			gcTimer.Reset(m.cfg.HeartbeatInterval)
		}
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	ids := m.localIDs()
	if len(ids) == 0 {
		return
	}
	if err := m.reg.Heartbeat(ctx, ids, time.Now()); err != nil {
		m.onError("heartbeat failed", err)
	}
}

func (m *Monitor) tryGC(ctx context.Context) {
	acquired, err := m.reg.AcquireGCLock(ctx)
	if err != nil {
		m.onError("gc lock acquire failed", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := m.reg.ReleaseGCLock(ctx); err != nil {
			m.onError("gc lock release failed", err)
		}
	}()

	cleaned, err := m.reg.CleanupOrphaned(ctx, m.cfg.OrphanThreshold, m.pusher, time.Now())
	if err != nil {
		m.onError("cleanup_orphaned failed", err)
		return
	}
	if cleaned > 0 {
		m.log.Info("cleaned up orphaned inflight entries", map[string]any{"count": cleaned})
	}
}

// onError logs per the "monitor catches and logs; in test
// mode re-raises": PanicOnMonitorError turns a monitor-loop failure
// into a panic so tests catch regressions instead of silently
// limping along.
func (m *Monitor) onError(msg string, err error) {
	m.log.Error(msg, err, nil)
	if m.cfg.PanicOnMonitorError {
		panic(err)
	}
}
