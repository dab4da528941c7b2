// Package dataset provides the per-dataset memo cache layered over the
// durable merge cache: one entry per dataset name holding the merged table,
// manifest, channel list, and flow summary.
package dataset

import (
	"context"
	"log"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/see-spot/server/internal/spots"
	"github.com/see-spot/server/internal/store"
)

// Entry is everything the server memoizes for one dataset. Immutable once
// stored; a refresh replaces the whole entry.
type Entry struct {
	Dataset     string
	Table       *spots.Table
	Manifest    *spots.Manifest
	ManifestKey string
	Channels    []string
	Flow        *spots.FlowSummary
	Aux         spots.AuxFiles
	LoadedAt    time.Time
}

// Config configures the dataset cache.
type Config struct {
	Store store.Store
	// CacheRoot is the durable merge-cache directory.
	CacheRoot string
	// SpotsSubdir is the per-dataset directory holding the spot tables.
	SpotsSubdir string
	// MaxEntries bounds the in-memory memo. The durable artifacts make
	// eviction cheap: a re-load is one file read, not a re-merge.
	MaxEntries int
	// MaxListKeys caps object listings per locate call.
	MaxListKeys int
}

// Cache memoizes loaded datasets. Loads are serialized per dataset name, so
// concurrent requests for a dataset mid-load wait for the in-flight load
// rather than merging twice.
type Cache struct {
	store       store.Store
	merger      *spots.Merger
	spotsSubdir string

	entries *lru.Cache[string, *Entry]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a dataset cache.
func New(cfg Config) (*Cache, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 8
	}
	entries, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	subdir := cfg.SpotsSubdir
	if subdir == "" {
		subdir = "image_spot_spectral_unmixing"
	}
	merger := spots.NewMerger(cfg.Store, cfg.CacheRoot)
	if cfg.MaxListKeys > 0 {
		merger.Locator.MaxKeys = cfg.MaxListKeys
	}
	return &Cache{
		store:       cfg.Store,
		merger:      merger,
		spotsSubdir: subdir,
		entries:     entries,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// SpotsPrefix returns the store prefix holding a dataset's spot tables.
func (c *Cache) SpotsPrefix(dataset string) string {
	return path.Join(dataset, c.spotsSubdir) + "/"
}

// Merger exposes the underlying merger (for cache-path introspection).
func (c *Cache) Merger() *spots.Merger { return c.merger }

func (c *Cache) datasetLock(dataset string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[dataset]
	if !ok {
		l = &sync.Mutex{}
		c.locks[dataset] = l
	}
	return l
}

// GetOrLoad returns the memoized entry for a dataset, loading it on first
// use. forceRefresh drops the memo and rebuilds the whole entry (manifest,
// merge, channels, flow) from the pipeline.
func (c *Cache) GetOrLoad(ctx context.Context, dataset string, forceRefresh bool) (*Entry, error) {
	lock := c.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	if !forceRefresh {
		if e, ok := c.entries.Get(dataset); ok {
			return e, nil
		}
	} else {
		c.entries.Remove(dataset)
		// A forced refresh also discards the durable artifact so the
		// merge re-runs from the remote inputs.
		c.merger.DropCache(dataset)
	}

	e, err := c.load(ctx, dataset)
	if err != nil {
		return nil, err
	}
	c.entries.Add(dataset, e)
	return e, nil
}

// Invalidate drops a dataset's memo entry. The next GetOrLoad is a full
// reload (served from the durable artifact when it is still valid).
func (c *Cache) Invalidate(dataset string) {
	lock := c.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()
	c.entries.Remove(dataset)
}

func (c *Cache) load(ctx context.Context, dataset string) (*Entry, error) {
	start := time.Now()
	prefix := c.SpotsPrefix(dataset)

	manifestKey, manifest, err := spots.FindManifest(ctx, c.store, dataset)
	if err != nil {
		return nil, err
	}

	// The memoized table holds every row; valid_spot filtering is applied
	// per request on top of it.
	table, err := c.merger.Merge(ctx, dataset, prefix, false)
	if err != nil {
		return nil, err
	}

	flow, err := spots.ComputeFlowSummary(table)
	if err != nil {
		return nil, err
	}

	aux := c.merger.Locator.FindAuxFiles(ctx, prefix)

	e := &Entry{
		Dataset:     dataset,
		Table:       table,
		Manifest:    manifest,
		ManifestKey: manifestKey,
		Channels:    manifest.Channels(),
		Flow:        flow,
		Aux:         aux,
		LoadedAt:    time.Now(),
	}
	log.Printf("[DatasetCache] loaded %s: %d rows, %d channels, %d flow links (%.1fs)",
		dataset, table.NumRows(), len(e.Channels), len(flow.Links), time.Since(start).Seconds())
	return e, nil
}
