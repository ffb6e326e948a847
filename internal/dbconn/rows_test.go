package dbconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowSet_Sorted(t *testing.T) {
	rs := &RowSet{
		Columns: []string{"x"},
		Rows:    []Row{{Int(2)}, {Int(1)}, {Null{}}},
	}

	sorted := rs.Sorted()
	assert.Equal(t, [][]Value{{Null{}}, {Int(1)}, {Int(2)}}, sorted.Values())
	assert.Equal(t, [][]Value{{Int(2)}, {Int(1)}, {Null{}}}, rs.Values(), "original must not be reordered")
}

func TestRowSet_NilSafe(t *testing.T) {
	var rs *RowSet
	assert.Equal(t, 0, rs.Len())
	assert.Nil(t, rs.Values())
	assert.Nil(t, rs.Sorted())
	assert.Equal(t, -1, rs.Column("x"))
}

func TestRowSet_Column(t *testing.T) {
	rs := &RowSet{Columns: []string{"a", "Query_destination"}}
	assert.Equal(t, 1, rs.Column("Query_destination"))
	assert.Equal(t, -1, rs.Column("missing"))
}

func TestEqualRows(t *testing.T) {
	assert.True(t, EqualRows(Matrix([]any{1}), [][]Value{{Int(1)}}))
	assert.True(t, EqualRows(Matrix([]any{1}), [][]Value{{Numeric("1")}}))
	assert.False(t, EqualRows(Matrix([]any{1}, []any{2}), Matrix([]any{2}, []any{1})), "order matters")
	assert.False(t, EqualRows(Matrix([]any{1}), Matrix([]any{1, 2})))
	assert.False(t, EqualRows(Matrix([]any{1}), nil))
	assert.True(t, EqualRows(nil, [][]Value{}))
}

func TestCompareRows_PrefixSortsFirst(t *testing.T) {
	assert.Negative(t, CompareRows(Row{Int(1)}, Row{Int(1), Int(0)}))
	assert.Zero(t, CompareRows(Row{Int(1), T("a")}, Row{Int(1), T("a")}))
}

func TestFormatRows(t *testing.T) {
	assert.Equal(t, "[[1] [2]]", FormatRows(Matrix([]any{1}, []any{2})))
	assert.Equal(t, `[[1, "a", NULL]]`, FormatRows(Matrix([]any{1, "a", nil})))
	assert.Equal(t, "[]", FormatRows(nil))
}

func TestMatrix_PanicsOnUnsupported(t *testing.T) {
	assert.Panics(t, func() { Matrix([]any{struct{}{}}) })
}
