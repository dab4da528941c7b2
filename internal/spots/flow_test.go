package spots

import (
	"errors"
	"testing"
)

func TestFlowThreshold(t *testing.T) {
	cases := []struct {
		total, want int
	}{
		{0, 5},
		{3, 5},
		{4999, 5},
		{5000, 5},
		{6000, 6},
		{1000000, 1000},
	}
	for _, tc := range cases {
		if got := flowThreshold(tc.total); got != tc.want {
			t.Errorf("flowThreshold(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}

func TestComputeFlowSummarySmallTable(t *testing.T) {
	// Three rows stay below the minimum threshold of five, so no link
	// survives even though pairs exist.
	tbl := mustTable(t,
		stringCol("chan", []string{"488", "488", "561"}, nil),
		stringCol("unmixed_chan", []string{"488", "", ""}, []bool{true, false, false}),
	)
	summary, err := ComputeFlowSummary(tbl)
	if err != nil {
		t.Fatalf("ComputeFlowSummary: %v", err)
	}
	if summary.TotalSpots != 3 || summary.Threshold != 5 {
		t.Fatalf("total=%d threshold=%d, want 3 and 5", summary.TotalSpots, summary.Threshold)
	}
	if len(summary.Links) != 0 {
		t.Fatalf("links = %d, want 0 below threshold", len(summary.Links))
	}
}

func TestComputeFlowSummaryLinks(t *testing.T) {
	n := 100
	chans := make([]string, 0, n)
	unmixed := make([]string, 0, n)
	valid := make([]bool, 0, n)
	// 60 unchanged 488, 25 reassigned 488→561, 10 removed 488, 5 unchanged
	// 561, leaving nothing below threshold except nothing.
	add := func(count int, origin, final string) {
		for i := 0; i < count; i++ {
			chans = append(chans, origin)
			unmixed = append(unmixed, final)
			valid = append(valid, final != "")
		}
	}
	add(60, "488", "488")
	add(25, "488", "561")
	add(10, "488", "")
	add(5, "561", "561")

	tbl := mustTable(t,
		stringCol("chan", chans, nil),
		stringCol("unmixed_chan", unmixed, valid),
	)
	summary, err := ComputeFlowSummary(tbl)
	if err != nil {
		t.Fatalf("ComputeFlowSummary: %v", err)
	}

	if summary.Threshold != 5 {
		t.Fatalf("threshold = %d, want 5", summary.Threshold)
	}

	want := map[[2]string]struct {
		count   int
		percent float64
		label   string
	}{
		{"488", "488"}:          {60, 60.0, "unchanged"},
		{"488", "561"}:          {25, 25.0, "reassigned"},
		{"488", RemovedChannel}: {10, 10.0, "removed"},
		{"561", "561"}:          {5, 5.0, "unchanged"},
	}
	if len(summary.Links) != len(want) {
		t.Fatalf("links = %d, want %d", len(summary.Links), len(want))
	}
	for _, link := range summary.Links {
		w, ok := want[[2]string{link.Source, link.Target}]
		if !ok {
			t.Errorf("unexpected link %s→%s", link.Source, link.Target)
			continue
		}
		if link.Count != w.count || link.Percent != w.percent || link.Label != w.label {
			t.Errorf("link %s→%s = (%d, %v, %s), want (%d, %v, %s)",
				link.Source, link.Target, link.Count, link.Percent, link.Label,
				w.count, w.percent, w.label)
		}
	}

	// Removed is ordered last among final nodes.
	var finals []string
	for _, node := range summary.Nodes {
		if node.Role == "final" {
			finals = append(finals, node.Name)
		}
	}
	if len(finals) == 0 || finals[len(finals)-1] != RemovedChannel {
		t.Fatalf("final nodes = %v, want %s last", finals, RemovedChannel)
	}
}

func TestComputeFlowSummaryMissingColumns(t *testing.T) {
	tbl := mustTable(t, stringCol("chan", []string{"488"}, nil))
	_, err := ComputeFlowSummary(tbl)
	if !errors.Is(err, ErrColumnMismatch) {
		t.Fatalf("err = %v, want ErrColumnMismatch", err)
	}
}

func TestComputeFlowSummaryEmptyTable(t *testing.T) {
	tbl := mustTable(t,
		stringCol("chan", nil, []bool{}),
		stringCol("unmixed_chan", nil, []bool{}),
	)
	summary, err := ComputeFlowSummary(tbl)
	if err != nil {
		t.Fatalf("ComputeFlowSummary: %v", err)
	}
	if summary.TotalSpots != 0 || len(summary.Links) != 0 {
		t.Fatalf("empty table produced %d spots, %d links", summary.TotalSpots, len(summary.Links))
	}
}
