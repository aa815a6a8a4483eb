// Package registry implements the inflight registry: a cross-process
// record of in-flight requests backed by Redis, providing heartbeats,
// orphan detection, and a distributed GC lock. The Redis client comes
// straight from the ecosystem (github.com/redis/go-redis/v9); the key
// layout, atomicity, and GC-lock protocol below are purpose-built for
// this registry's needs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/asynchttp/dam/pkg/jobqueue"
)

const (
	keyInflightSet  = "asynchttp:inflight"
	keyInflightHash = "asynchttp:inflight:"
	keyGCLock       = "asynchttp:inflight:gc_lock"
)

// Entry is one row of the inflight registry: job_envelope, enqueued_at,
// owner_pid, and retry_count, keyed by the request_id that is both the
// sorted-set member and hash key suffix.
type Entry struct {
	RequestID   string
	JobEnvelope jobqueue.Envelope
	EnqueuedAt  time.Time
	OwnerPID    int
	RetryCount  int
}

type entryHash struct {
	JobEnvelope json.RawMessage `json:"job_envelope"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	OwnerPID    int             `json:"owner_pid"`
	RetryCount  int             `json:"retry_count"`
}

// Registry is the Redis-backed implementation of the
// operations.
type Registry struct {
	client   *redis.Client
	lockTTL  time.Duration
	lockOwner string

	mu        sync.Mutex
	deadSpool []jobqueue.Envelope // see DESIGN.md Open Question 1
}

// New returns a Registry using client for all operations. lockTTL is
// the TTL applied to the GC lock (30s is a reasonable default).
func New(client *redis.Client, lockTTL time.Duration) *Registry {
	return &Registry{
		client:    client,
		lockTTL:   lockTTL,
		lockOwner: uuid.NewString(),
	}
}

// Register performs the HSET + ZADD pair atomically via a pipeline,
// per the "register(entry) — HSET the hash + ZADD with
// current epoch. Atomic (pipeline/transaction)."
func (r *Registry) Register(ctx context.Context, e Entry) error {
	envJSON, err := json.Marshal(e.JobEnvelope)
	if err != nil {
		return fmt.Errorf("registry: marshal job envelope: %w", err)
	}

	hashKey := keyInflightHash + e.RequestID
	fields := map[string]any{
		"job_envelope": envJSON,
		"enqueued_at":  e.EnqueuedAt.Unix(),
		"owner_pid":    e.OwnerPID,
		"retry_count":  e.RetryCount,
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, fields)
		pipe.ZAdd(ctx, keyInflightSet, redis.Z{
			Score:  float64(e.EnqueuedAt.Unix()),
			Member: e.RequestID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: register %q: %w", e.RequestID, err)
	}
	return nil
}

// Heartbeat refreshes the sorted-set score of every id in ids to the
// current epoch, updating only members that already exist (ZADD XX).
func (r *Registry) Heartbeat(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]redis.Z, len(ids))
	for i, id := range ids {
		members[i] = redis.Z{Score: float64(now.Unix()), Member: id}
	}
	if err := r.client.ZAddXX(ctx, keyInflightSet, members...).Err(); err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

// Remove deletes both the hash and the sorted-set member for id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyInflightHash+id)
		pipe.ZRem(ctx, keyInflightSet, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: remove %q: %w", id, err)
	}
	return nil
}

// AcquireGCLock attempts a SET NX with the configured TTL, returning
// whether the lock was acquired.
func (r *Registry) AcquireGCLock(ctx context.Context) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyGCLock, r.lockOwner, r.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("registry: acquire gc lock: %w", err)
	}
	return ok, nil
}

// ReleaseGCLock deletes the lock, but only if this Registry still
// owns it (lost-lock safety: another process may have acquired it
// after TTL expiry).
func (r *Registry) ReleaseGCLock(ctx context.Context) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`
	if err := r.client.Eval(ctx, script, []string{keyGCLock}, r.lockOwner).Err(); err != nil {
		return fmt.Errorf("registry: release gc lock: %w", err)
	}
	return nil
}

// Snapshot is a point-in-time read of one inflight entry plus how
// stale its heartbeat is, returned by the supplemental introspection
// operation All below.
type Snapshot struct {
	Entry         Entry
	LastHeartbeat time.Time
}

// CleanupOrphaned implements the cleanup_orphaned: finds
// every entry whose heartbeat is older than threshold, re-enqueues
// its job envelope (incrementing retry_count), then removes it from
// the registry. When the push fails, a copy of the envelope goes to
// the dead spool and the entry stays in the registry, so a later pass
// finds it again. The caller must hold the GC lock; CleanupOrphaned
// does not check this itself.
func (r *Registry) CleanupOrphaned(ctx context.Context, threshold time.Duration, pusher jobqueue.Pusher, now time.Time) (int, error) {
	cutoff := float64(now.Add(-threshold).Unix())
	ids, err := r.client.ZRangeByScore(ctx, keyInflightSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: zrangebyscore: %w", err)
	}

	cleaned := 0
	for _, id := range ids {
		entry, err := r.load(ctx, id)
		if err != nil {
			// A sorted-set member without a matching hash should never
			// happen; drop the dangling member and move on rather than
			// blocking GC.
			r.client.ZRem(ctx, keyInflightSet, id)
			continue
		}

		retried := entry.JobEnvelope.WithIncrementedRetry()
		if pushErr := pusher.Push(ctx, retried); pushErr != nil {
			r.spoolDead(retried)
			continue
		}

		if err := r.Remove(ctx, id); err != nil {
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (r *Registry) load(ctx context.Context, id string) (Entry, error) {
	raw, err := r.client.HGetAll(ctx, keyInflightHash+id).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(raw) == 0 {
		return Entry{}, fmt.Errorf("registry: no hash for %q", id)
	}

	var env jobqueue.Envelope
	if err := json.Unmarshal([]byte(raw["job_envelope"]), &env); err != nil {
		return Entry{}, fmt.Errorf("registry: unmarshal job envelope for %q: %w", id, err)
	}

	var enqueuedAtUnix, ownerPID, retryCount int
	fmt.Sscanf(raw["enqueued_at"], "%d", &enqueuedAtUnix)
	fmt.Sscanf(raw["owner_pid"], "%d", &ownerPID)
	fmt.Sscanf(raw["retry_count"], "%d", &retryCount)

	return Entry{
		RequestID:   id,
		JobEnvelope: env,
		EnqueuedAt:  time.Unix(int64(enqueuedAtUnix), 0),
		OwnerPID:    ownerPID,
		RetryCount:  retryCount,
	}, nil
}

// spoolDead records a job envelope that could not be re-enqueued
// against a down job queue in a bounded local spool (the oldest entry
// is dropped past 1000; see DESIGN.md Open Question 1). The spool is
// emptied only by DrainDeadSpool.
func (r *Registry) spoolDead(env jobqueue.Envelope) {
	const maxSpool = 1000
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.deadSpool) >= maxSpool {
		r.deadSpool = r.deadSpool[1:]
	}
	r.deadSpool = append(r.deadSpool, env)
}

// DrainDeadSpool attempts to re-push every spooled envelope, removing
// ones that succeed. Neither the monitor nor CleanupOrphaned calls it;
// it runs only when a holder of the Registry calls it.
func (r *Registry) DrainDeadSpool(ctx context.Context, pusher jobqueue.Pusher) int {
	r.mu.Lock()
	pending := r.deadSpool
	r.deadSpool = nil
	r.mu.Unlock()

	var stillDead []jobqueue.Envelope
	drained := 0
	for _, env := range pending {
		if err := pusher.Push(ctx, env); err != nil {
			stillDead = append(stillDead, env)
			continue
		}
		drained++
	}

	if len(stillDead) > 0 {
		r.mu.Lock()
		r.deadSpool = append(stillDead, r.deadSpool...)
		r.mu.Unlock()
	}
	return drained
}

// DeadSpoolLen reports how many envelopes are waiting to be re-pushed.
func (r *Registry) DeadSpoolLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deadSpool)
}

// All returns every current inflight entry. This is not part of
// the operation list; it supplements the registry with a
// read-only introspection surface modeled on a prior
// cursor-style listing endpoints (see SPEC_FULL.md §4.2
// "Supplemental").
func (r *Registry) All(ctx context.Context) ([]Snapshot, error) {
	members, err := r.client.ZRangeWithScores(ctx, keyInflightSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: zrange: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		entry, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Entry:         entry,
			LastHeartbeat: time.Unix(int64(m.Score), 0),
		})
	}
	return snapshots, nil
}

// Stats summarizes the current registry contents: the entry count and
// the oldest heartbeat.
type Stats struct {
	Count        int
	OldestHeartbeat time.Time
}

// Stat reads Count with ZCARD and OldestHeartbeat from the
// lowest-scored member (ZRANGE 0 0); it does not scan the whole set.
func (r *Registry) Stat(ctx context.Context) (Stats, error) {
	count, err := r.client.ZCard(ctx, keyInflightSet).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("registry: zcard: %w", err)
	}
	if count == 0 {
		return Stats{}, nil
	}

	oldest, err := r.client.ZRangeWithScores(ctx, keyInflightSet, 0, 0).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("registry: zrange oldest: %w", err)
	}

	stats := Stats{Count: int(count)}
	if len(oldest) > 0 {
		stats.OldestHeartbeat = time.Unix(int64(oldest[0].Score), 0)
	}
	return stats, nil
}
