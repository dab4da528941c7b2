// Package store provides read access to the remote object store holding
// processed imaging datasets, plus a local download cache.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object without its contents.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the narrow blob accessor the pipeline depends on. Implementations
// handle connection setup, credentials, and transfer retries; callers treat
// any returned error as a terminal failure for the current operation.
type Store interface {
	// Bucket returns the bucket name this store reads from. It namespaces
	// the local download cache and the merged-table cache.
	Bucket() string

	// List returns up to max object keys under prefix, in key order.
	List(ctx context.Context, prefix string, max int) ([]string, error)

	// Head returns object metadata without fetching the body.
	// Returns ErrNotFound if the key does not exist.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// GetBytes fetches an object body into memory. Intended for small
	// documents (manifests, ratio matrices, summary stats).
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// Download fetches an object to the local download cache and returns
	// the local path. When useCache is true and the file is already
	// present, the cached copy is returned without a remote call.
	Download(ctx context.Context, key string, useCache bool) (string, error)
}
