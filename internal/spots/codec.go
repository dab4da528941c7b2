package spots

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// Cache artifact layout (after zstd decompression):
//
//	magic "SPT1"
//	uint32 header length, header JSON (row count + column descriptors)
//	per column: validity bytes (1 per row), then packed values
//
// Ints are stored at their narrowed width, floats at 32 or 64 bits,
// dictionary-coded strings as a string table plus per-row codes. All
// integers little-endian, matching the chunk layout of the upstream
// preprocessing stores.

const tableMagic = "SPT1"

// CacheExt is the filename extension of the merged cache artifact.
const CacheExt = ".spots.zst"

type tableHeader struct {
	NumRows int          `json:"num_rows"`
	Columns []columnDesc `json:"columns"`
}

type columnDesc struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	IntWidth   int    `json:"int_width,omitempty"`
	FloatWidth int    `json:"float_width,omitempty"`
	Dict       bool   `json:"dict,omitempty"`
}

func colTypeFromString(s string) (ColType, error) {
	switch s {
	case "string":
		return ColString, nil
	case "int":
		return ColInt, nil
	case "float":
		return ColFloat, nil
	case "bool":
		return ColBool, nil
	}
	return 0, fmt.Errorf("unknown column type %q", s)
}

// EncodeTable serializes a table to its compressed columnar form.
func EncodeTable(t *Table) ([]byte, error) {
	var raw bytes.Buffer
	raw.WriteString(tableMagic)

	header := tableHeader{NumRows: t.NumRows()}
	for _, c := range t.Columns() {
		header.Columns = append(header.Columns, columnDesc{
			Name:       c.Name,
			Type:       c.Type.String(),
			IntWidth:   c.IntWidth,
			FloatWidth: c.FloatWidth,
			Dict:       c.Dict,
		})
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	putUint32(&raw, uint32(len(headerJSON)))
	raw.Write(headerJSON)

	for _, c := range t.Columns() {
		for _, v := range c.Valid {
			if v {
				raw.WriteByte(1)
			} else {
				raw.WriteByte(0)
			}
		}
		if err := encodeColumnValues(&raw, c); err != nil {
			return nil, fmt.Errorf("failed to encode column %q: %w", c.Name, err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil), nil
}

func encodeColumnValues(w *bytes.Buffer, c *Column) error {
	switch c.Type {
	case ColBool:
		for _, b := range c.Bools {
			if b {
				w.WriteByte(1)
			} else {
				w.WriteByte(0)
			}
		}
	case ColInt:
		width := c.IntWidth
		if width == 0 {
			width = 64
		}
		for i, v := range c.Ints {
			if !c.Valid[i] {
				v = 0
			}
			switch width {
			case 8:
				w.WriteByte(byte(int8(v)))
			case 16:
				putUint16(w, uint16(int16(v)))
			case 32:
				putUint32(w, uint32(int32(v)))
			case 64:
				putUint64(w, uint64(v))
			default:
				return fmt.Errorf("invalid int width %d", width)
			}
		}
	case ColFloat:
		width := c.FloatWidth
		if width == 0 {
			width = 64
		}
		for i, v := range c.Floats {
			if !c.Valid[i] {
				v = 0
			}
			switch width {
			case 32:
				putUint32(w, math.Float32bits(float32(v)))
			case 64:
				putUint64(w, math.Float64bits(v))
			default:
				return fmt.Errorf("invalid float width %d", width)
			}
		}
	case ColString:
		if c.Dict {
			return encodeDictStrings(w, c)
		}
		for i, s := range c.Strs {
			if !c.Valid[i] {
				s = ""
			}
			putUint32(w, uint32(len(s)))
			w.WriteString(s)
		}
	}
	return nil
}

func encodeDictStrings(w *bytes.Buffer, c *Column) error {
	dict := make(map[string]int)
	var values []string
	codes := make([]int, len(c.Strs))
	for i, s := range c.Strs {
		if !c.Valid[i] {
			codes[i] = 0 // arbitrary; masked by validity on decode
			continue
		}
		idx, ok := dict[s]
		if !ok {
			idx = len(values)
			dict[s] = idx
			values = append(values, s)
		}
		codes[i] = idx
	}

	putUint32(w, uint32(len(values)))
	for _, s := range values {
		putUint32(w, uint32(len(s)))
		w.WriteString(s)
	}
	codeWidth := dictCodeWidth(len(values))
	for _, code := range codes {
		switch codeWidth {
		case 1:
			w.WriteByte(byte(code))
		case 2:
			putUint16(w, uint16(code))
		default:
			putUint32(w, uint32(code))
		}
	}
	return nil
}

func dictCodeWidth(n int) int {
	switch {
	case n <= 1<<8:
		return 1
	case n <= 1<<16:
		return 2
	default:
		return 4
	}
}

// DecodeTable deserializes a compressed columnar artifact.
func DecodeTable(data []byte) (*Table, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", ErrDeserialize, err)
	}

	r := bytes.NewReader(raw)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != tableMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrDeserialize)
	}
	headerLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrDeserialize)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrDeserialize)
	}
	var header tableHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: header JSON: %v", ErrDeserialize, err)
	}

	t := NewTable()
	for _, desc := range header.Columns {
		typ, err := colTypeFromString(desc.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
		}
		c := newColumn(desc.Name, typ, header.NumRows)
		c.IntWidth, c.FloatWidth, c.Dict = desc.IntWidth, desc.FloatWidth, desc.Dict

		c.Valid = make([]bool, header.NumRows)
		validBytes := make([]byte, header.NumRows)
		if _, err := io.ReadFull(r, validBytes); err != nil {
			return nil, fmt.Errorf("%w: column %q validity: %v", ErrDeserialize, desc.Name, err)
		}
		for i, b := range validBytes {
			c.Valid[i] = b != 0
		}

		if err := decodeColumnValues(r, c, header.NumRows); err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrDeserialize, desc.Name, err)
		}
		if err := t.AddColumn(c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
		}
	}
	return t, nil
}

func decodeColumnValues(r *bytes.Reader, c *Column, nrows int) error {
	switch c.Type {
	case ColBool:
		buf := make([]byte, nrows)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		c.Bools = make([]bool, nrows)
		for i, b := range buf {
			c.Bools[i] = b != 0
		}
	case ColInt:
		width := c.IntWidth
		if width == 0 {
			width = 64
		}
		c.Ints = make([]int64, nrows)
		for i := 0; i < nrows; i++ {
			switch width {
			case 8:
				b, err := r.ReadByte()
				if err != nil {
					return err
				}
				c.Ints[i] = int64(int8(b))
			case 16:
				v, err := readUint16(r)
				if err != nil {
					return err
				}
				c.Ints[i] = int64(int16(v))
			case 32:
				v, err := readUint32(r)
				if err != nil {
					return err
				}
				c.Ints[i] = int64(int32(v))
			case 64:
				v, err := readUint64(r)
				if err != nil {
					return err
				}
				c.Ints[i] = int64(v)
			default:
				return fmt.Errorf("invalid int width %d", width)
			}
		}
	case ColFloat:
		width := c.FloatWidth
		if width == 0 {
			width = 64
		}
		c.Floats = make([]float64, nrows)
		for i := 0; i < nrows; i++ {
			switch width {
			case 32:
				v, err := readUint32(r)
				if err != nil {
					return err
				}
				c.Floats[i] = float64(math.Float32frombits(v))
			case 64:
				v, err := readUint64(r)
				if err != nil {
					return err
				}
				c.Floats[i] = math.Float64frombits(v)
			default:
				return fmt.Errorf("invalid float width %d", width)
			}
		}
	case ColString:
		if c.Dict {
			return decodeDictStrings(r, c, nrows)
		}
		c.Strs = make([]string, nrows)
		for i := 0; i < nrows; i++ {
			n, err := readUint32(r)
			if err != nil {
				return err
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			c.Strs[i] = string(buf)
		}
	}
	return nil
}

func decodeDictStrings(r *bytes.Reader, c *Column, nrows int) error {
	nvalues, err := readUint32(r)
	if err != nil {
		return err
	}
	values := make([]string, nvalues)
	for i := range values {
		n, err := readUint32(r)
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		values[i] = string(buf)
	}

	codeWidth := dictCodeWidth(int(nvalues))
	c.Strs = make([]string, nrows)
	for i := 0; i < nrows; i++ {
		var code uint32
		switch codeWidth {
		case 1:
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			code = uint32(b)
		case 2:
			v, err := readUint16(r)
			if err != nil {
				return err
			}
			code = uint32(v)
		default:
			v, err := readUint32(r)
			if err != nil {
				return err
			}
			code = v
		}
		if !c.Valid[i] {
			continue
		}
		if code >= nvalues {
			return fmt.Errorf("dict code %d out of range (%d values)", code, nvalues)
		}
		c.Strs[i] = values[code]
	}
	return nil
}

// WriteTableFile persists a table atomically at path (temp file + rename),
// creating missing directories.
func WriteTableFile(path string, t *Table) error {
	data, err := EncodeTable(t)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".spots-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cache artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move cache artifact into place: %w", err)
	}
	return nil
}

// ReadTableFile loads a persisted table.
func ReadTableFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeTable(data)
}

// DecodeCSVTable parses a CSV spot table into a typed columnar table. The
// first record is the header; empty cells are nulls. Each column's type is
// inferred from its non-empty values: int, then float, then bool, falling
// back to string.
func DecodeCSVTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: csv: %v", ErrDeserialize, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty csv", ErrDeserialize)
	}
	header := records[0]
	rows := records[1:]

	t := NewTable()
	for ci, name := range header {
		typ := inferColumnType(rows, ci)
		c := newColumn(name, typ, len(rows))
		for _, row := range rows {
			cell := ""
			if ci < len(row) {
				cell = row[ci]
			}
			if cell == "" {
				c.appendNull()
				continue
			}
			c.Valid = append(c.Valid, true)
			switch typ {
			case ColInt:
				v, err := strconv.ParseInt(cell, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: column %q row value %q: %v", ErrDeserialize, name, cell, err)
				}
				c.Ints = append(c.Ints, v)
			case ColFloat:
				v, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: column %q row value %q: %v", ErrDeserialize, name, cell, err)
				}
				c.Floats = append(c.Floats, v)
			case ColBool:
				c.Bools = append(c.Bools, isTrueLiteral(cell))
			case ColString:
				c.Strs = append(c.Strs, cell)
			}
		}
		if err := t.AddColumn(c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
		}
	}
	return t, nil
}

func inferColumnType(rows [][]string, ci int) ColType {
	sawValue := false
	isInt, isFloat, isBool := true, true, true
	for _, row := range rows {
		if ci >= len(row) || row[ci] == "" {
			continue
		}
		cell := row[ci]
		sawValue = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				isFloat = false
			}
		}
		if isBool && !isBoolLiteral(cell) {
			isBool = false
		}
		if !isInt && !isFloat && !isBool {
			break
		}
	}
	if !sawValue {
		return ColString
	}
	switch {
	case isInt:
		return ColInt
	case isFloat:
		return ColFloat
	case isBool:
		return ColBool
	}
	return ColString
}

func isBoolLiteral(s string) bool {
	switch s {
	case "True", "False", "true", "false":
		return true
	}
	return false
}

func isTrueLiteral(s string) bool {
	return s == "True" || s == "true"
}

func putUint16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func putUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func putUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
