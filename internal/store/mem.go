package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Mem is an in-memory Store used by tests and local development. Objects are
// held in a map; Download materializes them under the cache directory the
// same way the S3 store does.
type Mem struct {
	bucket   string
	cacheDir string
	objects  map[string][]byte
}

// NewMem creates an in-memory store for the given bucket name.
func NewMem(bucket, cacheDir string) *Mem {
	return &Mem{bucket: bucket, cacheDir: cacheDir, objects: make(map[string][]byte)}
}

// Put adds or replaces an object.
func (m *Mem) Put(key string, data []byte) { m.objects[key] = data }

// Bucket returns the bucket name.
func (m *Mem) Bucket() string { return m.bucket }

// List returns up to max keys under prefix in key order.
func (m *Mem) List(_ context.Context, prefix string, max int) ([]string, error) {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys, nil
}

// Head returns metadata for a key, or ErrNotFound.
func (m *Mem) Head(_ context.Context, key string) (ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()}, nil
}

// GetBytes returns a copy of the object body, or ErrNotFound.
func (m *Mem) GetBytes(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Download writes the object under the cache directory and returns its path.
func (m *Mem) Download(_ context.Context, key string, useCache bool) (string, error) {
	data, ok := m.objects[key]
	if !ok {
		return "", ErrNotFound
	}
	localPath := filepath.Join(m.cacheDir, m.bucket, filepath.FromSlash(key))
	if useCache {
		if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
			return localPath, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return "", err
	}
	return localPath, nil
}
