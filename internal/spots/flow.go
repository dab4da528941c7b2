package spots

import (
	"fmt"
	"math"
	"sort"
)

// RemovedChannel is the sentinel final channel for spots the unmixing step
// dropped (null or empty unmixed_chan).
const RemovedChannel = "Removed"

// FlowNode is one channel in one role of the flow diagram.
type FlowNode struct {
	Name string `json:"name"`
	Role string `json:"role"` // "origin" or "final"
}

// FlowLink is one retained origin→final transition.
type FlowLink struct {
	Source  string  `json:"source"`
	Target  string  `json:"target"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
	Label   string  `json:"label"` // "unchanged", "removed" or "reassigned"
}

// FlowSummary is the channel-reassignment aggregation over a full merged
// table. Fully reproducible from the table alone; UI sampling never touches
// it.
type FlowSummary struct {
	Nodes      []FlowNode `json:"nodes"`
	Links      []FlowLink `json:"links"`
	TotalSpots int        `json:"total_spots"`
	Threshold  int        `json:"threshold"`
}

// flowThreshold is the minimum pair count retained in the output:
// max(5, 0.1% of total rows). Keeps noise-level flows out of the diagram.
func flowThreshold(total int) int {
	t := total / 1000
	if t < 5 {
		t = 5
	}
	return t
}

// ComputeFlowSummary aggregates (origin channel, final channel) pair counts
// over the full merged table. The final channel is unmixed_chan, with the
// Removed sentinel substituted for null or empty values and always ordered
// last among final channels.
func ComputeFlowSummary(t *Table) (*FlowSummary, error) {
	chanCol := t.Column(ColNameChan)
	if chanCol == nil || chanCol.Type != ColString {
		return nil, fmt.Errorf("%w: %s", ErrColumnMismatch, ColNameChan)
	}
	unmixedCol := t.Column(ColNameUnmixedChan)
	if unmixedCol == nil || unmixedCol.Type != ColString {
		return nil, fmt.Errorf("%w: %s", ErrColumnMismatch, ColNameUnmixedChan)
	}

	total := t.NumRows()
	type pair struct{ origin, final string }
	counts := make(map[pair]int)
	originSet := make(map[string]bool)
	finalSet := make(map[string]bool)

	for i := 0; i < total; i++ {
		origin := ""
		if chanCol.Valid[i] {
			origin = chanCol.Strs[i]
		}
		final := RemovedChannel
		if unmixedCol.Valid[i] && unmixedCol.Strs[i] != "" {
			final = unmixedCol.Strs[i]
		}
		counts[pair{origin, final}]++
		originSet[origin] = true
		finalSet[final] = true
	}

	threshold := flowThreshold(total)

	var origins, finals []string
	for ch := range originSet {
		origins = append(origins, ch)
	}
	sort.Strings(origins)
	for ch := range finalSet {
		if ch != RemovedChannel {
			finals = append(finals, ch)
		}
	}
	sort.Strings(finals)
	if finalSet[RemovedChannel] {
		finals = append(finals, RemovedChannel)
	}

	summary := &FlowSummary{TotalSpots: total, Threshold: threshold}
	for _, ch := range origins {
		summary.Nodes = append(summary.Nodes, FlowNode{Name: ch, Role: "origin"})
	}
	for _, ch := range finals {
		summary.Nodes = append(summary.Nodes, FlowNode{Name: ch, Role: "final"})
	}

	for _, origin := range origins {
		for _, final := range finals {
			count := counts[pair{origin, final}]
			if count < threshold {
				continue
			}
			percent := 0.0
			if total > 0 {
				percent = math.Round(float64(count)/float64(total)*100*100) / 100
			}
			summary.Links = append(summary.Links, FlowLink{
				Source:  origin,
				Target:  final,
				Count:   count,
				Percent: percent,
				Label:   flowLabel(origin, final),
			})
		}
	}

	return summary, nil
}

func flowLabel(origin, final string) string {
	switch {
	case final == RemovedChannel:
		return "removed"
	case origin == final:
		return "unchanged"
	}
	return "reassigned"
}
