package spots

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	tbl := mustTable(t,
		stringCol("chan", []string{"488", "561", "488", ""}, []bool{true, true, true, false}),
		intCol("chan_spot_id", []int64{1, 2, 3, 4}, nil),
		floatCol("dist", []float64{0.5, 1.25, 0, 3.75}, []bool{true, true, false, true}),
		boolCol("valid_spot", []bool{true, false, true, true}, nil),
	)
	OptimizeTable(tbl)

	data, err := EncodeTable(tbl)
	if err != nil {
		t.Fatalf("EncodeTable: %v", err)
	}
	got, err := DecodeTable(data)
	if err != nil {
		t.Fatalf("DecodeTable: %v", err)
	}

	assertTablesEqual(t, tbl, got)
}

func TestEncodeDecodeWideValues(t *testing.T) {
	tbl := mustTable(t,
		intCol("big", []int64{1 << 40, -(1 << 40)}, nil),
		floatCol("precise", []float64{0.1, 1e-17}, nil),
	)
	OptimizeTable(tbl)
	if w := tbl.Column("big").IntWidth; w != 64 {
		t.Fatalf("big IntWidth = %d, want 64", w)
	}
	if w := tbl.Column("precise").FloatWidth; w != 64 {
		t.Fatalf("precise FloatWidth = %d, want 64", w)
	}

	data, err := EncodeTable(tbl)
	if err != nil {
		t.Fatalf("EncodeTable: %v", err)
	}
	got, err := DecodeTable(data)
	if err != nil {
		t.Fatalf("DecodeTable: %v", err)
	}
	assertTablesEqual(t, tbl, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeTable([]byte("not a table")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWriteReadTableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ds", "ds"+CacheExt)

	tbl := mustTable(t,
		stringCol("chan", []string{"488", "488"}, nil),
		intCol("spot_id", []int64{1, 2}, nil),
	)
	OptimizeTable(tbl)

	if err := WriteTableFile(path, tbl); err != nil {
		t.Fatalf("WriteTableFile: %v", err)
	}
	got, err := ReadTableFile(path)
	if err != nil {
		t.Fatalf("ReadTableFile: %v", err)
	}
	assertTablesEqual(t, tbl, got)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("cache dir holds %d entries, want only the artifact", len(entries))
	}
}

func TestDecodeCSVTableTypeInference(t *testing.T) {
	csv := strings.Join([]string{
		"chan,chan_spot_id,dist,valid_spot,note",
		"488,1,0.5,True,ok",
		"561,2,,False,",
		"488,3,1.5,True,weird",
	}, "\n")

	tbl, err := DecodeCSVTable(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("DecodeCSVTable: %v", err)
	}
	if tbl.NumRows() != 3 {
		t.Fatalf("NumRows = %d, want 3", tbl.NumRows())
	}

	cases := []struct {
		name string
		typ  ColType
	}{
		{"chan", ColInt}, // all-numeric channel labels infer as int
		{"chan_spot_id", ColInt},
		{"dist", ColFloat},
		{"valid_spot", ColBool},
		{"note", ColString},
	}
	for _, tc := range cases {
		c := tbl.Column(tc.name)
		if c == nil {
			t.Fatalf("column %q missing", tc.name)
		}
		if c.Type != tc.typ {
			t.Errorf("column %q type = %s, want %s", tc.name, c.Type, tc.typ)
		}
	}

	if !tbl.Column("dist").IsNull(1) {
		t.Error("empty dist cell should be null")
	}
	if !tbl.Column("note").IsNull(1) {
		t.Error("empty note cell should be null")
	}
	if got := tbl.Column("valid_spot").Bools; !got[0] || got[1] {
		t.Errorf("valid_spot = %v", got)
	}
}

func TestDecodeCSVTableEmpty(t *testing.T) {
	if _, err := DecodeCSVTable(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty csv")
	}
}

func assertTablesEqual(t *testing.T, want, got *Table) {
	t.Helper()
	if got.NumRows() != want.NumRows() || got.NumCols() != want.NumCols() {
		t.Fatalf("shape = (%d, %d), want (%d, %d)",
			got.NumRows(), got.NumCols(), want.NumRows(), want.NumCols())
	}
	for _, wc := range want.Columns() {
		gc := got.Column(wc.Name)
		if gc == nil {
			t.Fatalf("column %q missing after roundtrip", wc.Name)
		}
		if gc.Type != wc.Type {
			t.Fatalf("column %q type = %s, want %s", wc.Name, gc.Type, wc.Type)
		}
		for i := 0; i < want.NumRows(); i++ {
			if wc.IsNull(i) != gc.IsNull(i) {
				t.Fatalf("column %q row %d null = %v, want %v", wc.Name, i, gc.IsNull(i), wc.IsNull(i))
			}
			if wc.IsNull(i) {
				continue
			}
			if wc.Value(i) != gc.Value(i) {
				t.Fatalf("column %q row %d = %v, want %v", wc.Name, i, gc.Value(i), wc.Value(i))
			}
		}
	}
}
