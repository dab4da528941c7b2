package spots

import "math"

// OptimizeTable narrows each column's physical storage to the smallest
// representation that preserves every observed value exactly. It only sets
// storage hints consumed by the codec; in-memory values are untouched, so
// optimization can never change a value's truth. Re-applied when loading a
// cached artifact, in case the narrowing rules changed since it was written.
func OptimizeTable(t *Table) {
	for _, c := range t.Columns() {
		switch c.Type {
		case ColInt:
			c.IntWidth = intWidthFor(c)
		case ColFloat:
			c.FloatWidth = floatWidthFor(c)
		case ColString:
			c.Dict = dictWorthwhile(c)
		}
	}
}

// intWidthFor picks the narrowest signed width that holds every valid value.
// Values outside a narrower range keep the wider type; no silent truncation.
func intWidthFor(c *Column) int {
	width := 8
	for i, v := range c.Ints {
		if !c.Valid[i] {
			continue
		}
		switch {
		case v >= math.MinInt8 && v <= math.MaxInt8:
		case v >= math.MinInt16 && v <= math.MaxInt16:
			if width < 16 {
				width = 16
			}
		case v >= math.MinInt32 && v <= math.MaxInt32:
			if width < 32 {
				width = 32
			}
		default:
			return 64
		}
	}
	return width
}

// floatWidthFor downcasts to single precision only when every valid value
// round-trips through float32 exactly.
func floatWidthFor(c *Column) int {
	for i, v := range c.Floats {
		if !c.Valid[i] {
			continue
		}
		if float64(float32(v)) != v {
			return 64
		}
	}
	return 32
}

// dictWorthwhile marks string columns for dictionary encoding when they are
// categorical: few distinct values relative to row count. Channel labels and
// cell ids qualify; free-form columns do not.
func dictWorthwhile(c *Column) bool {
	n := c.Len()
	if n == 0 {
		return false
	}
	distinct := make(map[string]struct{})
	for i, s := range c.Strs {
		if !c.Valid[i] {
			continue
		}
		distinct[s] = struct{}{}
		if len(distinct) > n/2 && len(distinct) > 256 {
			return false
		}
	}
	return len(distinct) <= 256 || len(distinct) <= n/2
}
