package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asynchttp/dam/pkg/jobqueue"
)

type recordingPusher struct {
	pushed []jobqueue.Envelope
	fail   bool
}

func (p *recordingPusher) Push(_ context.Context, env jobqueue.Envelope) error {
	if p.fail {
		return context.DeadlineExceeded
	}
	p.pushed = append(p.pushed, env)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping registry integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("could not reach redis at %s: %v", addr, err)
	}
	client.Del(ctx, keyInflightSet, keyGCLock)
	return New(client, 5*time.Second), client
}

func TestRegisterHeartbeatRemove(t *testing.T) {
	r, client := newTestRegistry(t)
	defer client.Close()
	ctx := context.Background()

	entry := Entry{
		RequestID:   "req-1",
		JobEnvelope: jobqueue.Envelope{Class: "DeliverCallback", Args: []any{"req-1"}},
		EnqueuedAt:  time.Now(),
		OwnerPID:    os.Getpid(),
	}
	defer r.Remove(ctx, entry.RequestID)

	if err := r.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Heartbeat(ctx, []string{entry.RequestID}, time.Now()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	stats, err := r.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("expected 1 inflight entry, got %d", stats.Count)
	}

	if err := r.Remove(ctx, entry.RequestID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	stats, err = r.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat after remove: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("expected 0 inflight entries after remove, got %d", stats.Count)
	}
}

func TestAcquireReleaseGCLock(t *testing.T) {
	r, client := newTestRegistry(t)
	defer client.Close()
	ctx := context.Background()

	ok, err := r.AcquireGCLock(ctx)
	if err != nil {
		t.Fatalf("AcquireGCLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected to acquire an uncontended lock")
	}

	other := New(client, 5*time.Second)
	ok, err = other.AcquireGCLock(ctx)
	if err != nil {
		t.Fatalf("AcquireGCLock (other): %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to fail while first holds the lock")
	}

	if err := r.ReleaseGCLock(ctx); err != nil {
		t.Fatalf("ReleaseGCLock: %v", err)
	}

	ok, err = other.AcquireGCLock(ctx)
	if err != nil {
		t.Fatalf("AcquireGCLock after release: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock to be acquirable after release")
	}
	other.ReleaseGCLock(ctx)
}

func TestCleanupOrphanedReenqueuesAndRemoves(t *testing.T) {
	r, client := newTestRegistry(t)
	defer client.Close()
	ctx := context.Background()

	entry := Entry{
		RequestID:   "req-orphan",
		JobEnvelope: jobqueue.Envelope{Class: "DeliverCallback", Args: []any{"req-orphan"}},
		EnqueuedAt:  time.Now().Add(-10 * time.Minute),
	}
	if err := r.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Force a stale heartbeat far in the past.
	client.ZAdd(ctx, keyInflightSet, redis.Z{Score: float64(time.Now().Add(-10 * time.Minute).Unix()), Member: entry.RequestID})

	pusher := &recordingPusher{}
	cleaned, err := r.CleanupOrphaned(ctx, 5*time.Minute, pusher, time.Now())
	if err != nil {
		t.Fatalf("CleanupOrphaned: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned entry, got %d", cleaned)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("expected exactly one re-enqueue, got %d", len(pusher.pushed))
	}
	if pusher.pushed[0].RetryCount != 1 {
		t.Fatalf("expected retry count incremented to 1, got %d", pusher.pushed[0].RetryCount)
	}

	stats, err := r.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("expected orphan entry to be removed, got count %d", stats.Count)
	}
}

func TestCleanupOrphanedSpoolsOnPushFailure(t *testing.T) {
	r, client := newTestRegistry(t)
	defer client.Close()
	ctx := context.Background()

	entry := Entry{
		RequestID:   "req-spool",
		JobEnvelope: jobqueue.Envelope{Class: "DeliverCallback"},
		EnqueuedAt:  time.Now().Add(-10 * time.Minute),
	}
	if err := r.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	client.ZAdd(ctx, keyInflightSet, redis.Z{Score: float64(time.Now().Add(-10 * time.Minute).Unix()), Member: entry.RequestID})

	pusher := &recordingPusher{fail: true}
	if _, err := r.CleanupOrphaned(ctx, 5*time.Minute, pusher, time.Now()); err != nil {
		t.Fatalf("CleanupOrphaned: %v", err)
	}

	if r.DeadSpoolLen() != 1 {
		t.Fatalf("expected failed re-enqueue to be spooled, got %d", r.DeadSpoolLen())
	}

	pusher.fail = false
	drained := r.DrainDeadSpool(ctx, pusher)
	if drained != 1 {
		t.Fatalf("expected drain to succeed once pusher recovers, got %d", drained)
	}
	if r.DeadSpoolLen() != 0 {
		t.Fatalf("expected spool to be empty after successful drain")
	}

	r.Remove(ctx, entry.RequestID)
}
