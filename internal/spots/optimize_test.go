package spots

import "testing"

func TestIntWidthFor(t *testing.T) {
	cases := []struct {
		vals []int64
		want int
	}{
		{[]int64{0, 1, -1, 127, -128}, 8},
		{[]int64{128}, 16},
		{[]int64{-40000}, 32},
		{[]int64{1 << 33}, 64},
		{[]int64{5, 1 << 20}, 32},
	}
	for _, tc := range cases {
		c := intCol("x", tc.vals, nil)
		if got := intWidthFor(c); got != tc.want {
			t.Errorf("intWidthFor(%v) = %d, want %d", tc.vals, got, tc.want)
		}
	}
}

func TestIntWidthIgnoresNulls(t *testing.T) {
	c := intCol("x", []int64{1 << 40, 5}, []bool{false, true})
	if got := intWidthFor(c); got != 8 {
		t.Fatalf("intWidthFor = %d, want 8 (null value ignored)", got)
	}
}

func TestFloatWidthFor(t *testing.T) {
	exact := floatCol("x", []float64{0.5, 1.25, -2.0}, nil)
	if got := floatWidthFor(exact); got != 32 {
		t.Fatalf("exact float32 values got width %d, want 32", got)
	}
	inexact := floatCol("y", []float64{0.1}, nil)
	if got := floatWidthFor(inexact); got != 64 {
		t.Fatalf("0.1 got width %d, want 64 (not exact in float32)", got)
	}
}

func TestDictWorthwhile(t *testing.T) {
	categorical := stringCol("chan", []string{"488", "561", "488", "561", "488", "561"}, nil)
	if !dictWorthwhile(categorical) {
		t.Error("low-cardinality column should dict-encode")
	}

	unique := stringCol("id", []string{"a", "b", "c", "d"}, nil)
	// Four distinct values still fit the 256 cap.
	if !dictWorthwhile(unique) {
		t.Error("small column under the cap should dict-encode")
	}

	if dictWorthwhile(stringCol("empty", nil, []bool{})) {
		t.Error("empty column should not dict-encode")
	}
}

func TestOptimizePreservesValues(t *testing.T) {
	tbl := mustTable(t,
		intCol("n", []int64{1, 300, -5}, nil),
		floatCol("f", []float64{0.5, 0.1, 2.0}, nil),
		stringCol("s", []string{"a", "a", "b"}, nil),
	)
	before := [][]any{
		{tbl.Column("n").Value(0), tbl.Column("n").Value(1), tbl.Column("n").Value(2)},
		{tbl.Column("f").Value(0), tbl.Column("f").Value(1), tbl.Column("f").Value(2)},
		{tbl.Column("s").Value(0), tbl.Column("s").Value(1), tbl.Column("s").Value(2)},
	}

	OptimizeTable(tbl)

	for ci, name := range []string{"n", "f", "s"} {
		for i := 0; i < 3; i++ {
			if got := tbl.Column(name).Value(i); got != before[ci][i] {
				t.Errorf("column %q row %d changed: %v -> %v", name, i, before[ci][i], got)
			}
		}
	}
	if tbl.Column("n").IntWidth != 16 {
		t.Errorf("n IntWidth = %d, want 16", tbl.Column("n").IntWidth)
	}
	if tbl.Column("f").FloatWidth != 64 {
		t.Errorf("f FloatWidth = %d, want 64 (0.1 not exact)", tbl.Column("f").FloatWidth)
	}
	if !tbl.Column("s").Dict {
		t.Error("s should be marked for dictionary encoding")
	}
}
