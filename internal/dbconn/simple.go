package dbconn

// SimpleResults is the dialect-tagged result of SimpleQuery. The concrete type
// is MySQLResults or PostgresResults; switch on it exhaustively.
type SimpleResults interface {
	Dialect() Dialect
	simpleResults()
}

// SimpleRow is one text-format row as returned by the simple query protocol.
type SimpleRow struct {
	Columns []string
	// Values holds nil for SQL NULL.
	Values []*string
}

// Get returns the named column's text. ok is false when the column is absent;
// a present NULL column returns ("", true) with null set.
func (r SimpleRow) Get(column string) (value string, null bool, ok bool) {
	for i, c := range r.Columns {
		if c != column {
			continue
		}
		if r.Values[i] == nil {
			return "", true, true
		}
		return *r.Values[i], false, true
	}
	return "", false, false
}

// MySQLResults are rows read from a MySQL text-protocol result.
type MySQLResults []SimpleRow

func (MySQLResults) Dialect() Dialect { return MySQL }
func (MySQLResults) simpleResults()   {}

// PostgresResults are rows read from a PostgreSQL simple-protocol result.
type PostgresResults []SimpleRow

func (PostgresResults) Dialect() Dialect { return PostgreSQL }
func (PostgresResults) simpleResults()   {}

func strPtr(s string) *string { return &s }
