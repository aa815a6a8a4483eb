// Package payloadstore implements the pluggable external KV the
// processor offloads oversized response bodies to, keyed by a
// fresh UUID. The interface is intentionally narrow
// (generate/store/fetch/delete/exists) so any backend — an embedded
// KV, a directory of files, a shared Redis, an in-memory map for
// tests — can implement it.
package payloadstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key is absent.
var ErrNotFound = errors.New("payloadstore: key not found")

// Store is the adapter contract.
type Store interface {
	// GenerateKey returns a fresh, store-unique key (a UUID string in
	// every backend here).
	GenerateKey() string

	// Put stores data under key. A zero ttl stores data with no
	// expiry; none of the backends here has a default TTL of its own.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Get fetches data for key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error —
	// the unstore step must be idempotent.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present without fetching its value.
	Exists(ctx context.Context, key string) (bool, error)

	// Name identifies this store instance for PayloadRef.Store.
	Name() string
}
