// Package fsstore is a directory-based file payload-store adapter,
// following the "ensure directory exists, then operate on files under
// it" idiom of a typical local-disk storage layer — generalized from
// one file per database to one file per stored blob.
package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/asynchttp/dam/internal/payloadstore"
)

// Store writes one file per key under dir. TTL is tracked with a
// sidecar ".meta" file holding the expiry as Unix nanos; there is no
// background sweeper (matching memstore), expiry is checked lazily on
// Get/Exists.
type Store struct {
	name string
	dir  string
}

// New ensures dir exists and returns a Store rooted there.
func New(name, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: failed to create directory: %w", err)
	}
	return &Store{name: name, dir: dir}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) GenerateKey() string { return uuid.NewString() }

func (s *Store) dataPath(key string) string { return filepath.Join(s.dir, key+".blob") }
func (s *Store) metaPath(key string) string { return filepath.Join(s.dir, key+".meta") }

func (s *Store) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if err := os.WriteFile(s.dataPath(key), data, 0o644); err != nil {
		return fmt.Errorf("fsstore: failed to write blob: %w", err)
	}
	if ttl > 0 {
		expiresAt := time.Now().Add(ttl).UnixNano()
		if err := os.WriteFile(s.metaPath(key), []byte(fmt.Sprintf("%d", expiresAt)), 0o644); err != nil {
			return fmt.Errorf("fsstore: failed to write meta: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if expired, err := s.isExpired(key); err != nil {
		return nil, err
	} else if expired {
		_ = s.removeFiles(key)
		return nil, payloadstore.ErrNotFound
	}

	data, err := os.ReadFile(s.dataPath(key))
	if os.IsNotExist(err) {
		return nil, payloadstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: failed to read blob: %w", err)
	}
	return data, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.removeFiles(key)
}

func (s *Store) removeFiles(key string) error {
	if err := os.Remove(s.dataPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsstore: failed to remove blob: %w", err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsstore: failed to remove meta: %w", err)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	if expired, err := s.isExpired(key); err != nil {
		return false, err
	} else if expired {
		_ = s.removeFiles(key)
		return false, nil
	}
	_, err := os.Stat(s.dataPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsstore: failed to stat blob: %w", err)
	}
	return true, nil
}

func (s *Store) isExpired(key string) (bool, error) {
	b, err := os.ReadFile(s.metaPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsstore: failed to read meta: %w", err)
	}
	var expiresAt int64
	if _, err := fmt.Sscanf(string(b), "%d", &expiresAt); err != nil {
		return false, nil
	}
	return time.Now().UnixNano() > expiresAt, nil
}
