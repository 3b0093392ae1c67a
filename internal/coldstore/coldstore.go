// Package coldstore writes sealed blobs to long-term storage.
package coldstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound   = errors.New("coldstore: object not found")
	ErrInvalidKey = errors.New("coldstore: invalid object key")
)

// Location identifies a stored object.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
}

// Sink stores and retrieves objects by key within one bucket.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) (Location, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ETag fingerprints object content with BLAKE3-256.
func ETag(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckKey rejects keys that are empty, absolute, or escape the bucket.
func CheckKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// FSSink stores objects as files under root/bucket.
type FSSink struct {
	root   string
	bucket string
}

func NewFSSink(root, bucket string) (*FSSink, error) {
	if bucket == "" {
		return nil, errors.New("coldstore: bucket is required")
	}
	dir := filepath.Join(root, bucket)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("coldstore: create %s: %w", dir, err)
	}
	return &FSSink{root: root, bucket: bucket}, nil
}

// Put writes data through a temporary file and renames it into place, so a
// reader never sees a partial object.
func (s *FSSink) Put(_ context.Context, key string, data []byte) (Location, error) {
	if err := CheckKey(key); err != nil {
		return Location{}, err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Location{}, fmt.Errorf("coldstore: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return Location{}, fmt.Errorf("coldstore: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Location{}, fmt.Errorf("coldstore: write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Location{}, fmt.Errorf("coldstore: sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return Location{}, fmt.Errorf("coldstore: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Location{}, fmt.Errorf("coldstore: commit %s: %w", key, err)
	}
	return Location{Bucket: s.bucket, Key: key, ETag: ETag(data)}, nil
}

func (s *FSSink) Get(_ context.Context, key string) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (s *FSSink) path(key string) string {
	return filepath.Join(s.root, s.bucket, filepath.FromSlash(key))
}

// MemorySink keeps objects in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

func NewMemorySink(bucket string) *MemorySink {
	return &MemorySink{bucket: bucket, objects: make(map[string][]byte)}
}

func (s *MemorySink) Put(_ context.Context, key string, data []byte) (Location, error) {
	if err := CheckKey(key); err != nil {
		return Location{}, err
	}
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return Location{Bucket: s.bucket, Key: key, ETag: ETag(data)}, nil
}

func (s *MemorySink) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}
