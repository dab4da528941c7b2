package spots

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/see-spot/server/internal/store"
)

// Well-known column names of the merged spot table.
const (
	ColNameSpotID         = "spot_id"
	ColNameChan           = "chan"
	ColNameChanSpotID     = "chan_spot_id"
	ColNameUnmixedChan    = "unmixed_chan"
	ColNameUnmixedRemoved = "unmixed_removed"
	ColNameValidSpot      = "valid_spot"
)

// Merger produces the merged per-spot table for a dataset and maintains its
// durable cache artifact. Merge execution is serialized per dataset; the
// persisted write is atomic, so concurrent processes at worst overwrite the
// artifact with identical content.
type Merger struct {
	Store     store.Store
	Locator   *Locator
	CacheRoot string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMerger creates a merger writing cache artifacts under cacheRoot.
func NewMerger(st store.Store, cacheRoot string) *Merger {
	return &Merger{
		Store:     st,
		Locator:   NewLocator(st),
		CacheRoot: cacheRoot,
		locks:     make(map[string]*sync.Mutex),
	}
}

// CachePath returns the canonical cache artifact path for a dataset:
// <cache-root>/<bucket>/<dataset>/<dataset>.spots.zst.
func (m *Merger) CachePath(dataset string) string {
	return filepath.Join(m.CacheRoot, m.Store.Bucket(), dataset, dataset+CacheExt)
}

func (m *Merger) datasetLock(dataset string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[dataset]
	if !ok {
		l = &sync.Mutex{}
		m.locks[dataset] = l
	}
	return l
}

// Merge returns the merged, id-assigned, type-optimized spot table for a
// dataset, loading the durable cache when present and rebuilding it from the
// remote inputs otherwise. When validOnly is set, rows with valid_spot false
// are filtered from the returned table (the cache always holds all rows).
func (m *Merger) Merge(ctx context.Context, dataset, prefix string, validOnly bool) (*Table, error) {
	lock := m.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	cachePath := m.CachePath(dataset)
	if t, err := m.loadCached(cachePath); err == nil {
		log.Printf("[Merge] cache hit for %s (%d rows)", dataset, t.NumRows())
		return m.applyValidFilter(t, validOnly)
	} else if !os.IsNotExist(err) {
		// A corrupt cache artifact is a cache miss, not a hard failure.
		log.Printf("[Merge] ignoring unreadable cache for %s: %v", dataset, err)
	}

	t, err := m.rebuild(ctx, dataset, prefix)
	if err != nil {
		return nil, err
	}

	// The cache write is an optimization; a failure is logged and the
	// in-memory result still returned.
	if err := WriteTableFile(cachePath, t); err != nil {
		log.Printf("[Merge] %v: %s: %v", ErrPersist, cachePath, err)
	} else {
		log.Printf("[Merge] cached %s (%d rows, %d cols)", cachePath, t.NumRows(), t.NumCols())
	}

	return m.applyValidFilter(t, validOnly)
}

// DropCache removes a dataset's durable cache artifact so the next Merge
// rebuilds from the remote inputs. Missing artifacts are fine.
func (m *Merger) DropCache(dataset string) {
	lock := m.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()
	path := m.CachePath(dataset)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Merge] failed to drop cache %s: %v", path, err)
	}
}

func (m *Merger) loadCached(path string) (*Table, error) {
	t, err := ReadTableFile(path)
	if err != nil {
		return nil, err
	}
	// Defensive: the artifact may predate a narrowing rule change.
	OptimizeTable(t)
	return t, nil
}

// rebuild runs the full pipeline: locate both inputs, download them
// concurrently, decode, join, derive, assign ids, optimize.
func (m *Merger) rebuild(ctx context.Context, dataset, prefix string) (*Table, error) {
	files, err := m.Locator.FindInputFiles(ctx, prefix)
	if err != nil {
		return nil, err
	}
	log.Printf("[Merge] inputs for %s: unmixed=%s mixed=%s", dataset, files.UnmixedKey, files.MixedKey)

	// The two downloads are independent; run them concurrently. The join
	// needs both, so wait for both before proceeding.
	var wg sync.WaitGroup
	var unmixedPath, mixedPath string
	var unmixedErr, mixedErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		unmixedPath, unmixedErr = m.Store.Download(ctx, files.UnmixedKey, true)
	}()
	go func() {
		defer wg.Done()
		mixedPath, mixedErr = m.Store.Download(ctx, files.MixedKey, true)
	}()
	wg.Wait()
	if unmixedErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, files.UnmixedKey, unmixedErr)
	}
	if mixedErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, files.MixedKey, mixedErr)
	}

	unmixed, err := decodeTableFile(unmixedPath)
	if err != nil {
		return nil, fmt.Errorf("unmixed table: %w", err)
	}
	mixed, err := decodeTableFile(mixedPath)
	if err != nil {
		return nil, fmt.Errorf("mixed table: %w", err)
	}
	log.Printf("[Merge] decoded mixed=%d rows, unmixed=%d rows", mixed.NumRows(), unmixed.NumRows())

	return MergeTables(mixed, unmixed)
}

func decodeTableFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	defer f.Close()
	return DecodeCSVTable(f)
}

// MergeTables left-joins the mixed table against the unmixed table's unique
// columns on (chan, chan_spot_id), derives unmixed_removed, assigns fresh
// dense spot ids, and narrows column storage. Pure: no store or cache access.
func MergeTables(mixed, unmixed *Table) (*Table, error) {
	// The merge always assigns fresh ids; discard any inherited ones.
	mixed.DropColumn(ColNameSpotID)

	// Channel labels are strings even when every label is numeric (488, 561).
	// CSV inference types all-numeric columns as int, so coerce them back.
	ensureStringColumn(mixed, ColNameChan)
	ensureStringColumn(unmixed, ColNameChan)
	ensureStringColumn(unmixed, ColNameUnmixedChan)

	uniqueUnmixed := uniqueUnmixedColumns(mixed, unmixed)
	joinCols := append([]string{ColNameChan, ColNameChanSpotID}, uniqueUnmixed...)

	merged, err := mixed.LeftJoin(unmixed, ColNameChan, ColNameChanSpotID, joinCols)
	if err != nil {
		return nil, err
	}

	if err := deriveUnmixedRemoved(merged, uniqueUnmixed); err != nil {
		return nil, err
	}
	if err := assignSpotIDs(merged); err != nil {
		return nil, err
	}
	OptimizeTable(merged)
	return merged, nil
}

// ensureStringColumn rewrites a non-string column's values as their decimal
// string form in place. Missing columns are left alone; the join reports
// those itself.
func ensureStringColumn(t *Table, name string) {
	c := t.Column(name)
	if c == nil || c.Type == ColString {
		return
	}
	strs := make([]string, c.Len())
	for i := range strs {
		if !c.Valid[i] {
			continue
		}
		switch c.Type {
		case ColInt:
			strs[i] = strconv.FormatInt(c.Ints[i], 10)
		case ColFloat:
			strs[i] = strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
		case ColBool:
			strs[i] = strconv.FormatBool(c.Bools[i])
		}
	}
	c.Type = ColString
	c.Strs = strs
	c.Ints, c.Floats, c.Bools = nil, nil, nil
	c.IntWidth, c.FloatWidth = 0, 0
}

// uniqueUnmixedColumns returns the unmixed table's columns absent from the
// mixed table, in unmixed column order, excluding the join keys.
func uniqueUnmixedColumns(mixed, unmixed *Table) []string {
	var unique []string
	for _, c := range unmixed.Columns() {
		if c.Name == ColNameChan || c.Name == ColNameChanSpotID {
			continue
		}
		if !mixed.HasColumn(c.Name) {
			unique = append(unique, c.Name)
		}
	}
	return unique
}

// deriveUnmixedRemoved adds the unmixed_removed flag: true iff every column
// unique to the unmixed table is null for that row. With no unique columns
// there is nothing the unmixing step could have removed, so the flag is
// false everywhere.
func deriveUnmixedRemoved(t *Table, uniqueUnmixed []string) error {
	n := t.NumRows()
	c := &Column{Name: ColNameUnmixedRemoved, Type: ColBool, Valid: make([]bool, n), Bools: make([]bool, n)}
	for i := range c.Valid {
		c.Valid[i] = true
	}
	if len(uniqueUnmixed) > 0 {
		for i := 0; i < n; i++ {
			removed := true
			for _, name := range uniqueUnmixed {
				if !t.Column(name).IsNull(i) {
					removed = false
					break
				}
			}
			c.Bools[i] = removed
		}
	}
	return t.AddColumn(c)
}

// assignSpotIDs adds a dense 1-based spot_id over join output order. Ids are
// stable only within one cached artifact; every re-merge reassigns them.
func assignSpotIDs(t *Table) error {
	n := t.NumRows()
	c := &Column{Name: ColNameSpotID, Type: ColInt, Valid: make([]bool, n), Ints: make([]int64, n)}
	for i := 0; i < n; i++ {
		c.Valid[i] = true
		c.Ints[i] = int64(i) + 1
	}
	return t.AddColumn(c)
}

// applyValidFilter filters to valid_spot rows when requested. A missing
// valid_spot column disables the filter rather than failing: some historical
// datasets predate the flag.
func (m *Merger) applyValidFilter(t *Table, validOnly bool) (*Table, error) {
	if !validOnly {
		return t, nil
	}
	vs := t.Column(ColNameValidSpot)
	if vs == nil || vs.Type != ColBool {
		log.Printf("[Merge] valid_spot column absent; returning all rows")
		return t, nil
	}
	keep := make([]bool, t.NumRows())
	kept := 0
	for i := range keep {
		keep[i] = vs.Valid[i] && vs.Bools[i]
		if keep[i] {
			kept++
		}
	}
	log.Printf("[Merge] valid_spot filter: %d of %d rows kept", kept, t.NumRows())
	return t.Filter(keep)
}
