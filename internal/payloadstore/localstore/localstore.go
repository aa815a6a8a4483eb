// Package localstore is the embedded-KV payload-store adapter,
// adapted from a prior internal/storage/pebbledb package: the
// same pebble.DB engine and the same batch-writer-for-bursty-writes
// idiom, repurposed from "namespace/request records keyed by name/id"
// to "opaque blob keyed by a fresh UUID, with an optional TTL" — the
// payload-store contract.
package localstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/asynchttp/dam/internal/payloadstore"
)

const (
	prefixBlob = "blob:" // blob:{key} -> raw bytes
	prefixExp  = "exp:"  // exp:{key} -> unix nanos expiry
)

// Store wraps a pebble.DB. When useBatch is set, writes are queued to
// a background BatchWriter instead of synced individually — the exact
// trade-off a prior PebbleStore offers via its useBatch flag.
type Store struct {
	name        string
	db          *pebble.DB
	batchWriter *BatchWriter
	useBatch    bool
}

// New opens (creating if absent) a pebble database at dbPath.
func New(name, dbPath string, useBatch bool) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: failed to create directory: %w", err)
	}

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to open pebble database: %w", err)
	}

	s := &Store{name: name, db: db, useBatch: useBatch}
	if useBatch {
		s.batchWriter = NewBatchWriter(db, DefaultBatchWriterConfig())
	}
	return s, nil
}

// Close flushes any pending batched writes and closes the database.
func (s *Store) Close() error {
	if s.batchWriter != nil {
		if err := s.batchWriter.Close(); err != nil {
			return fmt.Errorf("localstore: failed to close batch writer: %w", err)
		}
	}
	return s.db.Close()
}

func (s *Store) Name() string { return s.name }

func (s *Store) GenerateKey() string { return uuid.NewString() }

func blobKey(key string) []byte { return []byte(prefixBlob + key) }
func expKey(key string) []byte  { return []byte(prefixExp + key) }

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (s *Store) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if s.useBatch {
		s.batchWriter.Set(blobKey(key), data)
		if ttl > 0 {
			s.batchWriter.Set(expKey(key), encodeInt64(time.Now().Add(ttl).UnixNano()))
		}
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(blobKey(key), data, nil)
	if ttl > 0 {
		batch.Set(expKey(key), encodeInt64(time.Now().Add(ttl).UnixNano()), nil)
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	expired, err := s.isExpired(key)
	if err != nil {
		return nil, err
	}
	if expired {
		_ = s.Delete(context.Background(), key)
		return nil, payloadstore.ErrNotFound
	}

	value, closer, err := s.db.Get(blobKey(key))
	if err == pebble.ErrNotFound {
		return nil, payloadstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to get blob: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Delete(blobKey(key), nil)
	batch.Delete(expKey(key), nil)
	return batch.Commit(pebble.Sync)
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	expired, err := s.isExpired(key)
	if err != nil {
		return false, err
	}
	if expired {
		return false, nil
	}

	_, closer, err := s.db.Get(blobKey(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstore: failed to check blob: %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *Store) isExpired(key string) (bool, error) {
	value, closer, err := s.db.Get(expKey(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstore: failed to get expiry: %w", err)
	}
	defer closer.Close()
	expiresAt := decodeInt64(value)
	return time.Now().UnixNano() > expiresAt, nil
}
