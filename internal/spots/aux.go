package spots

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/see-spot/server/internal/store"
)

// Ratios is the unmixing ratio matrix published beside the spot tables:
// one integer row per channel pair, whitespace-separated.
type Ratios [][]int

// LoadRatios fetches and parses a ratio matrix. Both the file's absence and
// an empty key are normal (the matrix is an optional enrichment).
func LoadRatios(ctx context.Context, st store.Store, key string) (Ratios, error) {
	if key == "" {
		return nil, nil
	}
	data, err := st.GetBytes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ratios %s: %w", key, err)
	}
	return parseRatios(data)
}

func parseRatios(data []byte) (Ratios, error) {
	var matrix Ratios
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]int, len(fields))
		for i, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("%w: ratios value %q: %v", ErrDeserialize, f, err)
			}
			row[i] = v
		}
		matrix = append(matrix, row)
	}
	return matrix, nil
}

// SummaryStat is one channel's unmixing summary row. RemovedSpots and
// UnchangedSpots are derived here, not present in the source file.
type SummaryStat struct {
	Channel         string `json:"channel"`
	TotalSpots      int    `json:"total_spots"`
	KeptSpots       int    `json:"kept_spots"`
	ReassignedSpots int    `json:"reassigned_spots"`
	RemovedSpots    int    `json:"removed_spots"`
	UnchangedSpots  int    `json:"unchanged_spots"`
}

// LoadSummaryStats fetches and parses the per-channel summary statistics
// file. Optional, like the ratio matrix.
func LoadSummaryStats(ctx context.Context, st store.Store, key string) ([]SummaryStat, error) {
	if key == "" {
		return nil, nil
	}
	data, err := st.GetBytes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch summary stats %s: %w", key, err)
	}
	stats, err := parseSummaryStats(data)
	if err != nil {
		return nil, err
	}
	log.Printf("[Aux] loaded %d summary stat rows from %s", len(stats), key)
	return stats, nil
}

func parseSummaryStats(data []byte) ([]SummaryStat, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: summary stats csv: %v", ErrDeserialize, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	colIdx := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		colIdx[strings.TrimSpace(name)] = i
	}

	intAt := func(row []string, name string) int {
		i, ok := colIdx[name]
		if !ok || i >= len(row) {
			return 0
		}
		v, err := strconv.Atoi(strings.TrimSpace(row[i]))
		if err != nil {
			return 0
		}
		return v
	}

	var stats []SummaryStat
	for _, row := range records[1:] {
		s := SummaryStat{
			TotalSpots:      intAt(row, "total_spots"),
			KeptSpots:       intAt(row, "kept_spots"),
			ReassignedSpots: intAt(row, "reassigned_spots"),
		}
		if i, ok := colIdx["channel"]; ok && i < len(row) {
			s.Channel = strings.TrimSpace(row[i])
		}
		s.RemovedSpots = s.TotalSpots - s.KeptSpots
		s.UnchangedSpots = s.KeptSpots - s.ReassignedSpots
		stats = append(stats, s)
	}
	return stats, nil
}
