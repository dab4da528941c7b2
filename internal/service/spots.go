// Package service assembles HTTP-facing views over loaded datasets: the
// sampled spot view, the flow summary, and the dataset listing. Serialized
// sampled responses are byte-cached so repeated deterministic requests skip
// the sample + marshal work.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/see-spot/server/internal/dataset"
	"github.com/see-spot/server/internal/spots"
	"github.com/see-spot/server/internal/store"
	"github.com/see-spot/server/internal/viewer"
)

// Options configures the spot service.
type Options struct {
	// FusedPathTemplate is the volume location the viewer links point at,
	// expanded per channel as <template>/channel_<ch>.zarr.
	FusedPathTemplate string
	// FusedChannels are the channels to expand the template with. Empty
	// means use the dataset manifest's spot channels.
	FusedChannels []string
	// DefaultSampleSize caps the rows returned when the client sends none.
	DefaultSampleSize int
	// MaxSampleSize is the hard per-request ceiling.
	MaxSampleSize int
	// ResponseCacheMB bounds the serialized-response cache (0 disables it).
	ResponseCacheMB int
	// ResponseCacheTTL expires cached responses.
	ResponseCacheTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.DefaultSampleSize <= 0 {
		o.DefaultSampleSize = 10000
	}
	if o.MaxSampleSize <= 0 {
		o.MaxSampleSize = 100000
	}
	if o.ResponseCacheTTL <= 0 {
		o.ResponseCacheTTL = 10 * time.Minute
	}
}

// Spots serves sampled spot views and flow summaries over the dataset cache.
type Spots struct {
	datasets *dataset.Cache
	store    store.Store
	opts     Options

	responses *bigcache.BigCache
}

// NewSpots creates the service. The response cache is best-effort: a cache
// init failure logs and disables it rather than failing startup.
func NewSpots(datasets *dataset.Cache, st store.Store, opts Options) *Spots {
	opts.applyDefaults()
	s := &Spots{datasets: datasets, store: st, opts: opts}

	if opts.ResponseCacheMB > 0 {
		cfg := bigcache.DefaultConfig(opts.ResponseCacheTTL)
		cfg.HardMaxCacheSize = opts.ResponseCacheMB
		cfg.Verbose = false
		cache, err := bigcache.New(context.Background(), cfg)
		if err != nil {
			log.Printf("[SpotService] response cache disabled: %v", err)
		} else {
			s.responses = cache
		}
	}
	return s
}

// SpotsQuery are the per-request knobs of the sampled view.
type SpotsQuery struct {
	SampleSize   int
	ForceRefresh bool
	ValidOnly    bool
	// Seed makes the sample deterministic when non-zero.
	Seed int64
}

// SpotsResponse is the sampled merged-table view sent to the frontend.
type SpotsResponse struct {
	SpotsData    []map[string]any          `json:"spots_data"`
	ChannelPairs [][2]string               `json:"channel_pairs"`
	SpotDetails  map[string]map[string]any `json:"spot_details"`
	FusedPaths   []string                  `json:"fused_s3_paths"`
	Ratios       spots.Ratios              `json:"ratios,omitempty"`
	SummaryStats []spots.SummaryStat       `json:"summary_stats,omitempty"`
	Channels     []string                  `json:"channels"`
	TotalSpots   int                       `json:"total_spots"`
	SampleSize   int                       `json:"sample_size"`
	LoadedAt     time.Time                 `json:"loaded_at"`
}

// requiredColumns must survive the merge for the view to be buildable.
var requiredColumns = []string{
	spots.ColNameSpotID, spots.ColNameChan, "r", "dist", spots.ColNameUnmixedChan,
}

// detailColumns feed the per-spot viewer coordinates, whichever exist.
var detailColumns = []string{"cell_id", "round", "z", "y", "x"}

// SpotsJSON returns the serialized sampled view, consulting the response
// cache for deterministic (seeded) requests. Random samples differ per call
// and are never cached.
func (s *Spots) SpotsJSON(ctx context.Context, ds string, q SpotsQuery) ([]byte, error) {
	q = s.clampQuery(q)

	cacheable := s.responses != nil && q.Seed != 0 && !q.ForceRefresh
	key := fmt.Sprintf("%s|%d|%d|%t", ds, q.SampleSize, q.Seed, q.ValidOnly)
	if cacheable {
		if data, err := s.responses.Get(key); err == nil {
			log.Printf("[SpotService] response cache hit for %s", key)
			return data, nil
		}
	}

	resp, err := s.Sample(ctx, ds, q)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spots response: %w", err)
	}
	if cacheable {
		if err := s.responses.Set(key, data); err != nil {
			log.Printf("[SpotService] response cache set failed: %v", err)
		}
	}
	return data, nil
}

func (s *Spots) clampQuery(q SpotsQuery) SpotsQuery {
	if q.SampleSize <= 0 {
		q.SampleSize = s.opts.DefaultSampleSize
	}
	if q.SampleSize > s.opts.MaxSampleSize {
		q.SampleSize = s.opts.MaxSampleSize
	}
	return q
}

// Sample loads the dataset (through both cache tiers) and builds the sampled
// view: random row subset, derived reassigned flag, channel pairs, per-spot
// viewer coordinates, fused volume paths, and the optional aux artifacts.
func (s *Spots) Sample(ctx context.Context, ds string, q SpotsQuery) (*SpotsResponse, error) {
	q = s.clampQuery(q)

	entry, err := s.datasets.GetOrLoad(ctx, ds, q.ForceRefresh)
	if err != nil {
		return nil, err
	}

	table := entry.Table
	if q.ValidOnly {
		table, err = s.datasets.Merger().Merge(ctx, ds, s.datasets.SpotsPrefix(ds), true)
		if err != nil {
			return nil, err
		}
	}

	for _, name := range requiredColumns {
		if !table.HasColumn(name) {
			return nil, fmt.Errorf("%w: %s", spots.ErrColumnMismatch, name)
		}
	}

	rows := sampleRows(table.NumRows(), q.SampleSize, q.Seed)
	log.Printf("[SpotService] %s: sampled %d of %d rows (seed=%d)", ds, len(rows), table.NumRows(), q.Seed)

	pairs := channelPairs(table)
	records := buildRecords(table, rows, pairs)
	details := buildSpotDetails(table, rows)

	fusedChannels := s.opts.FusedChannels
	if len(fusedChannels) == 0 {
		fusedChannels = entry.Channels
	}

	resp := &SpotsResponse{
		SpotsData:    records,
		ChannelPairs: pairs,
		SpotDetails:  details,
		FusedPaths:   viewer.FusedPaths(s.opts.FusedPathTemplate, fusedChannels),
		Channels:     entry.Channels,
		TotalSpots:   table.NumRows(),
		SampleSize:   len(rows),
		LoadedAt:     entry.LoadedAt,
	}

	// Aux artifacts are enrichments: a fetch failure degrades the response,
	// it does not fail it.
	if entry.Aux.RatiosKey != "" {
		if ratios, err := spots.LoadRatios(ctx, s.store, entry.Aux.RatiosKey); err != nil {
			log.Printf("[SpotService] %s: %v", ds, err)
		} else {
			resp.Ratios = ratios
		}
	}
	if entry.Aux.SummaryStatsKey != "" {
		if stats, err := spots.LoadSummaryStats(ctx, s.store, entry.Aux.SummaryStatsKey); err != nil {
			log.Printf("[SpotService] %s: %v", ds, err)
		} else {
			resp.SummaryStats = stats
		}
	}

	return resp, nil
}

// Flow returns the dataset's flow summary, computed once per load over the
// full table.
func (s *Spots) Flow(ctx context.Context, ds string, forceRefresh bool) (*spots.FlowSummary, error) {
	entry, err := s.datasets.GetOrLoad(ctx, ds, forceRefresh)
	if err != nil {
		return nil, err
	}
	return entry.Flow, nil
}

// StoreHealth lists a handful of keys to prove the remote store is reachable.
func (s *Spots) StoreHealth(ctx context.Context) (int, error) {
	keys, err := s.store.List(ctx, "", 5)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// sampleRows picks up to sampleSize distinct row indices. Seed zero means a
// fresh random sample per call.
func sampleRows(total, sampleSize int, seed int64) []int {
	if total <= sampleSize {
		rows := make([]int, total)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return rand.New(src).Perm(total)[:sampleSize]
}

// channelPairs derives the sorted 2-combinations of channels advertised by
// chan_<ch>_intensity columns.
func channelPairs(t *spots.Table) [][2]string {
	var channels []string
	for _, name := range t.ColumnNames() {
		if !strings.HasSuffix(name, "_intensity") {
			continue
		}
		parts := strings.Split(name, "_")
		if len(parts) < 3 {
			continue
		}
		channels = append(channels, parts[1])
	}
	sort.Strings(channels)

	var pairs [][2]string
	for i := 0; i < len(channels); i++ {
		for j := i + 1; j < len(channels); j++ {
			pairs = append(pairs, [2]string{channels[i], channels[j]})
		}
	}
	return pairs
}

// buildRecords emits one map per sampled row over the plotting columns plus
// the derived reassigned flag (chan != unmixed_chan; a removed spot counts
// as reassigned).
func buildRecords(t *spots.Table, rows []int, pairs [][2]string) []map[string]any {
	cols := make([]string, 0, len(requiredColumns)+2*len(pairs))
	cols = append(cols, requiredColumns...)
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c] = true
	}
	for _, p := range pairs {
		for _, ch := range p {
			name := fmt.Sprintf("chan_%s_intensity", ch)
			if !seen[name] && t.HasColumn(name) {
				seen[name] = true
				cols = append(cols, name)
			}
		}
	}

	chanCol := t.Column(spots.ColNameChan)
	unmixedCol := t.Column(spots.ColNameUnmixedChan)

	records := make([]map[string]any, len(rows))
	for i, row := range rows {
		rec := make(map[string]any, len(cols)+1)
		for _, name := range cols {
			rec[name] = t.Column(name).Value(row)
		}
		rec["reassigned"] = !unmixedCol.Valid[row] || chanCol.Strs[row] != unmixedCol.Strs[row]
		records[i] = rec
	}
	return records
}

// buildSpotDetails maps spot_id → viewer coordinates over whichever detail
// columns the table carries. Returns an empty map when none exist.
func buildSpotDetails(t *spots.Table, rows []int) map[string]map[string]any {
	var available []string
	for _, name := range detailColumns {
		if t.HasColumn(name) {
			available = append(available, name)
		}
	}
	details := make(map[string]map[string]any, len(rows))
	if len(available) == 0 {
		log.Printf("[SpotService] no detail columns present; spot_details empty")
		return details
	}

	idCol := t.Column(spots.ColNameSpotID)
	for _, row := range rows {
		d := make(map[string]any, len(available))
		for _, name := range available {
			d[name] = t.Column(name).Value(row)
		}
		details[fmt.Sprintf("%d", idCol.Ints[row])] = d
	}
	return details
}
