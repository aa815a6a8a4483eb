package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorePutGetDelete(t *testing.T) {
	dir, err := os.MkdirTemp("", "fsstore_test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	s, err := New("fs", filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := s.GenerateKey()
	if err := s.Put(ctx, key, []byte("payload"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected value: %q", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); err == nil {
		t.Fatalf("expected ErrNotFound after delete")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	dir, err := os.MkdirTemp("", "fsstore_test_ttl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	s, err := New("fs", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	key := s.GenerateKey()

	if err := s.Put(ctx, key, []byte("x"), 1*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	exists, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("expected expired key to report not-exists")
	}
}
