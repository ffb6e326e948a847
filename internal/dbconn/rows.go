package dbconn

import (
	"fmt"
	"slices"
	"strings"
)

// Row is one result row in column order.
type Row []Value

// RowSet is the dialect-agnostic result of Query and Execute.
type RowSet struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (rs *RowSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// Values returns the rows as a plain matrix, which is the shape scenarios
// compare against.
func (rs *RowSet) Values() [][]Value {
	if rs == nil {
		return nil
	}
	out := make([][]Value, len(rs.Rows))
	for i, r := range rs.Rows {
		out[i] = []Value(r)
	}
	return out
}

// Sorted returns a copy of the row set with rows in ascending order, for
// order-insensitive comparisons.
func (rs *RowSet) Sorted() *RowSet {
	if rs == nil {
		return nil
	}
	rows := slices.Clone(rs.Rows)
	SortRows(rows)
	return &RowSet{Columns: slices.Clone(rs.Columns), Rows: rows}
}

// Column returns the index of the named column, or -1.
func (rs *RowSet) Column(name string) int {
	if rs == nil {
		return -1
	}
	return slices.Index(rs.Columns, name)
}

// CompareRows orders rows lexicographically by Compare.
func CompareRows(a, b Row) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// SortRows sorts rows in place.
func SortRows(rows []Row) {
	slices.SortStableFunc(rows, CompareRows)
}

// EqualRows reports whether two matrices hold equal values in the same order.
func EqualRows(a, b [][]Value) bool {
	return slices.EqualFunc(a, b, func(x, y []Value) bool {
		return CompareRows(x, y) == 0
	})
}

// FormatRows renders a matrix as [[1] [2]] for diagnostics.
func FormatRows(rows [][]Value) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, r := range rows {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('[')
		for j, v := range r {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(Format(v))
		}
		b.WriteByte(']')
	}
	b.WriteByte(']')
	return b.String()
}

// Matrix builds an expected-rows literal from native Go values.
// It panics on unsupported types; it is meant for test and scenario literals.
func Matrix(rows ...[]any) [][]Value {
	out := make([][]Value, len(rows))
	for i, r := range rows {
		out[i] = make([]Value, len(r))
		for j, v := range r {
			val, err := FromAny(v)
			if err != nil {
				panic(fmt.Sprintf("dbconn.Matrix: row %d col %d: %v", i, j, err))
			}
			out[i][j] = val
		}
	}
	return out
}
