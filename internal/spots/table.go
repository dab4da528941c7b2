// Package spots implements the dataset pipeline: locating a dataset's spot
// tables in the remote store, merging the mixed and unmixed tables into one
// columnar artifact, caching it, and deriving flow aggregates.
package spots

import (
	"fmt"
	"log"
)

// ColType is the logical type of a table column.
type ColType int

const (
	ColString ColType = iota
	ColInt
	ColFloat
	ColBool
)

func (t ColType) String() string {
	switch t {
	case ColString:
		return "string"
	case ColInt:
		return "int"
	case ColFloat:
		return "float"
	case ColBool:
		return "bool"
	}
	return "unknown"
}

// Column is a single typed column with a validity mask. Exactly one of the
// value slices is populated, per Type. Valid[i] == false marks a null cell.
type Column struct {
	Name  string
	Type  ColType
	Valid []bool

	Strs   []string
	Ints   []int64
	Floats []float64
	Bools  []bool

	// Physical storage hints set by Optimize; values themselves stay at
	// full width in memory so no information is lost.
	IntWidth   int  // 8, 16, 32 or 64 (signed); 0 = unset
	FloatWidth int  // 32 or 64; 0 = unset
	Dict       bool // dictionary-encode strings on persist
}

// Len returns the number of rows in the column.
func (c *Column) Len() int { return len(c.Valid) }

// IsNull reports whether row i is null.
func (c *Column) IsNull(i int) bool { return !c.Valid[i] }

// Value returns the cell at row i as an interface value, or nil when null.
// Used for JSON record assembly; the typed accessors are preferred in the
// pipeline itself.
func (c *Column) Value(i int) interface{} {
	if !c.Valid[i] {
		return nil
	}
	switch c.Type {
	case ColString:
		return c.Strs[i]
	case ColInt:
		return c.Ints[i]
	case ColFloat:
		return c.Floats[i]
	case ColBool:
		return c.Bools[i]
	}
	return nil
}

// appendFrom appends row i of src to c. src must have the same type.
func (c *Column) appendFrom(src *Column, i int) {
	c.Valid = append(c.Valid, src.Valid[i])
	switch c.Type {
	case ColString:
		c.Strs = append(c.Strs, src.Strs[i])
	case ColInt:
		c.Ints = append(c.Ints, src.Ints[i])
	case ColFloat:
		c.Floats = append(c.Floats, src.Floats[i])
	case ColBool:
		c.Bools = append(c.Bools, src.Bools[i])
	}
}

// appendNull appends a null cell to c.
func (c *Column) appendNull() {
	c.Valid = append(c.Valid, false)
	switch c.Type {
	case ColString:
		c.Strs = append(c.Strs, "")
	case ColInt:
		c.Ints = append(c.Ints, 0)
	case ColFloat:
		c.Floats = append(c.Floats, 0)
	case ColBool:
		c.Bools = append(c.Bools, false)
	}
}

func newColumn(name string, t ColType, capacity int) *Column {
	c := &Column{Name: name, Type: t, Valid: make([]bool, 0, capacity)}
	switch t {
	case ColString:
		c.Strs = make([]string, 0, capacity)
	case ColInt:
		c.Ints = make([]int64, 0, capacity)
	case ColFloat:
		c.Floats = make([]float64, 0, capacity)
	case ColBool:
		c.Bools = make([]bool, 0, capacity)
	}
	return c
}

// Table is a column-oriented table with named, typed columns of equal length.
type Table struct {
	cols   []*Column
	byName map[string]*Column
	nrows  int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byName: make(map[string]*Column)}
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return t.nrows }

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.cols) }

// Columns returns the columns in insertion order.
func (t *Table) Columns() []*Column { return t.cols }

// ColumnNames returns the column names in insertion order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column { return t.byName[name] }

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool { return t.byName[name] != nil }

// AddColumn appends a column. The column length must match the table's row
// count unless the table is empty, in which case it sets it.
func (t *Table) AddColumn(c *Column) error {
	if _, exists := t.byName[c.Name]; exists {
		return fmt.Errorf("duplicate column %q", c.Name)
	}
	if len(t.cols) == 0 {
		t.nrows = c.Len()
	} else if c.Len() != t.nrows {
		return fmt.Errorf("column %q has %d rows, table has %d", c.Name, c.Len(), t.nrows)
	}
	t.cols = append(t.cols, c)
	t.byName[c.Name] = c
	return nil
}

// DropColumn removes the named column if present.
func (t *Table) DropColumn(name string) {
	c, ok := t.byName[name]
	if !ok {
		return
	}
	delete(t.byName, name)
	for i := range t.cols {
		if t.cols[i] == c {
			t.cols = append(t.cols[:i], t.cols[i+1:]...)
			break
		}
	}
}

// Filter returns a new table containing only rows where keep[i] is true.
// Column order and storage hints are preserved.
func (t *Table) Filter(keep []bool) (*Table, error) {
	if len(keep) != t.nrows {
		return nil, fmt.Errorf("filter mask has %d entries, table has %d rows", len(keep), t.nrows)
	}
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	out := NewTable()
	for _, src := range t.cols {
		dst := newColumn(src.Name, src.Type, n)
		dst.IntWidth, dst.FloatWidth, dst.Dict = src.IntWidth, src.FloatWidth, src.Dict
		for i := 0; i < t.nrows; i++ {
			if keep[i] {
				dst.appendFrom(src, i)
			}
		}
		if err := out.AddColumn(dst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// joinKey builds a composite key for the (chan, chan_spot_id) pair. The NUL
// separator cannot occur in channel labels.
func joinKey(ch string, id int64) string {
	return fmt.Sprintf("%s\x00%d", ch, id)
}

// LeftJoin joins t (left) against right on the (keyChan, keyID) column pair,
// bringing in only the named right-side columns. Every left row appears
// exactly once in the output, in left order; right rows with no matching
// left key are dropped. Duplicate right keys keep the first occurrence.
func (t *Table) LeftJoin(right *Table, keyChan, keyID string, rightCols []string) (*Table, error) {
	lChan, lID := t.Column(keyChan), t.Column(keyID)
	rChan, rID := right.Column(keyChan), right.Column(keyID)
	if lChan == nil || lID == nil {
		return nil, fmt.Errorf("%w: left table lacks join keys (%s, %s)", ErrColumnMismatch, keyChan, keyID)
	}
	if rChan == nil || rID == nil {
		return nil, fmt.Errorf("%w: right table lacks join keys (%s, %s)", ErrColumnMismatch, keyChan, keyID)
	}
	if lChan.Type != ColString || rChan.Type != ColString || lID.Type != ColInt || rID.Type != ColInt {
		return nil, fmt.Errorf("%w: join keys must be (string, int)", ErrColumnMismatch)
	}

	// Index right rows by composite key, first occurrence wins.
	index := make(map[string]int, right.NumRows())
	dups := 0
	for i := 0; i < right.NumRows(); i++ {
		if !rChan.Valid[i] || !rID.Valid[i] {
			continue
		}
		k := joinKey(rChan.Strs[i], rID.Ints[i])
		if _, exists := index[k]; exists {
			dups++
			continue
		}
		index[k] = i
	}
	if dups > 0 {
		log.Printf("[Merge] warning: %d duplicate (%s, %s) keys in right table; keeping first occurrence", dups, keyChan, keyID)
	}

	out := NewTable()
	for _, src := range t.cols {
		dst := newColumn(src.Name, src.Type, t.nrows)
		for i := 0; i < t.nrows; i++ {
			dst.appendFrom(src, i)
		}
		if err := out.AddColumn(dst); err != nil {
			return nil, err
		}
	}

	matched := 0
	for _, name := range rightCols {
		src := right.Column(name)
		if src == nil {
			return nil, fmt.Errorf("%w: right table lacks column %q", ErrColumnMismatch, name)
		}
		if out.HasColumn(name) {
			continue
		}
		dst := newColumn(name, src.Type, t.nrows)
		for i := 0; i < t.nrows; i++ {
			if !lChan.Valid[i] || !lID.Valid[i] {
				dst.appendNull()
				continue
			}
			ri, ok := index[joinKey(lChan.Strs[i], lID.Ints[i])]
			if !ok {
				dst.appendNull()
				continue
			}
			dst.appendFrom(src, ri)
		}
		if err := out.AddColumn(dst); err != nil {
			return nil, err
		}
	}

	// Count left keys that found a partner, for the unmatched-right log.
	seen := make(map[string]bool, t.nrows)
	for i := 0; i < t.nrows; i++ {
		if !lChan.Valid[i] || !lID.Valid[i] {
			continue
		}
		k := joinKey(lChan.Strs[i], lID.Ints[i])
		if _, ok := index[k]; ok && !seen[k] {
			seen[k] = true
			matched++
		}
	}
	if unmatched := len(index) - matched; unmatched > 0 {
		// Left-join asymmetry: unmixed-only rows are silently dropped from
		// the output. Keep the count visible in logs.
		log.Printf("[Merge] %d right-side keys had no matching left row and were dropped", unmatched)
	}

	return out, nil
}
