package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

const geometrySuffix = "Geometry"

// Column is one named column of string cells. Numeric and geometric values
// are parsed out of the cells on demand.
type Column struct {
	Name   string
	Values []string
}

// Table is an ordered set of equal-length columns. The first column is the
// identity column; the first column whose name ends in "Geometry" carries
// WKT geometries.
type Table struct {
	Columns []Column
}

func New(names ...string) *Table {
	t := &Table{Columns: make([]Column, 0, len(names))}
	for _, name := range names {
		t.Columns = append(t.Columns, Column{Name: name})
	}
	return t
}

// FromRows builds a table from column names and row-major cells.
func FromRows(names []string, rows [][]string) (*Table, error) {
	t := New(names...)
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(names))
		}
		if err := t.AppendRow(row...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) NumRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Values)
}

func (t *Table) NumCols() int {
	return len(t.Columns)
}

func (t *Table) Empty() bool {
	return t.NumRows() == 0
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

func (t *Table) AppendRow(cells ...string) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, want %d", len(cells), len(t.Columns))
	}
	for i := range t.Columns {
		t.Columns[i].Values = append(t.Columns[i].Values, cells[i])
	}
	return nil
}

func (t *Table) Row(i int) []string {
	row := make([]string, len(t.Columns))
	for j := range t.Columns {
		row[j] = t.Columns[j].Values[i]
	}
	return row
}

// IdentityColumn returns the name of the first column, which identifies the
// entity each row describes.
func (t *Table) IdentityColumn() string {
	if len(t.Columns) == 0 {
		return ""
	}
	return t.Columns[0].Name
}

func (t *Table) RenameColumn(old, new string) bool {
	for i := range t.Columns {
		if t.Columns[i].Name == old {
			t.Columns[i].Name = new
			return true
		}
	}
	return false
}

// GeometryColumn returns the name of the first column whose name ends in
// "Geometry", if any.
func (t *Table) GeometryColumn() (string, bool) {
	for _, c := range t.Columns {
		if strings.HasSuffix(c.Name, geometrySuffix) {
			return c.Name, true
		}
	}
	return "", false
}

// Geometries parses the geometry column as WKT, one geometry per row. Empty
// cells yield nil entries.
func (t *Table) Geometries() ([]orb.Geometry, error) {
	name, ok := t.GeometryColumn()
	if !ok {
		return nil, fmt.Errorf("table has no geometry column")
	}
	col, _ := t.Column(name)

	geoms := make([]orb.Geometry, len(col.Values))
	for i, v := range col.Values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		g, err := wkt.Unmarshal(v)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid WKT: %w", i, err)
		}
		geoms[i] = g
	}
	return geoms, nil
}

// Bound returns the union bounding box of every geometry in the table.
func (t *Table) Bound() (orb.Bound, error) {
	geoms, err := t.Geometries()
	if err != nil {
		return orb.Bound{}, err
	}

	var bound orb.Bound
	seen := false
	for _, g := range geoms {
		if g == nil {
			continue
		}
		if !seen {
			bound = g.Bound()
			seen = true
			continue
		}
		bound = bound.Union(g.Bound())
	}
	if !seen {
		return orb.Bound{}, fmt.Errorf("table has no geometries")
	}
	return bound, nil
}

// Select returns a new table holding the named columns in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	out := &Table{Columns: make([]Column, 0, len(names))}
	for _, name := range names {
		col, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("no such column: %s", name)
		}
		values := make([]string, len(col.Values))
		copy(values, col.Values)
		out.Columns = append(out.Columns, Column{Name: name, Values: values})
	}
	return out, nil
}

// Head returns a copy with at most n rows.
func (t *Table) Head(n int) *Table {
	if n > t.NumRows() {
		n = t.NumRows()
	}
	out := &Table{Columns: make([]Column, len(t.Columns))}
	for i, c := range t.Columns {
		values := make([]string, n)
		copy(values, c.Values[:n])
		out.Columns[i] = Column{Name: c.Name, Values: values}
	}
	return out
}

// Float64s parses a column's cells as numbers. Thousands separators are
// tolerated.
func (t *Table) Float64s(name string) ([]float64, error) {
	col, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("no such column: %s", name)
	}
	out := make([]float64, len(col.Values))
	for i, v := range col.Values {
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s row %d: %w", name, i, err)
		}
		out[i] = f
	}
	return out, nil
}

// CSV renders the table for inclusion in oracle prompts.
func (t *Table) CSV() string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write(t.ColumnNames())
	for i := 0; i < t.NumRows(); i++ {
		_ = w.Write(t.Row(i))
	}
	w.Flush()
	return buf.String()
}

func (t *Table) String() string {
	return fmt.Sprintf("Table(%d cols, %d rows)", t.NumCols(), t.NumRows())
}
