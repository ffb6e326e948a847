package dbconn

import (
	"context"
	"fmt"
)

// Conn is a live session to an upstream database or an adapter.
type Conn interface {
	// QueryDrop executes a statement and discards any rows. Used for DDL/DML
	// and for directives such as CREATE CACHE.
	QueryDrop(ctx context.Context, sql string) error

	// Query executes a statement without parameters and returns its rows.
	Query(ctx context.Context, sql string) (*RowSet, error)

	// Execute runs a parameterized statement. Placeholders are passed through
	// untouched, so PostgreSQL uses $1 and MySQL uses ?.
	Execute(ctx context.Context, sql string, params ...Value) (*RowSet, error)

	// SimpleQuery runs sql over the text protocol and returns the
	// dialect-tagged raw rows.
	SimpleQuery(ctx context.Context, sql string) (SimpleResults, error)

	Dialect() Dialect
	Shape() Shape

	// Close releases the session or pool. Calling Close twice is harmless.
	Close() error
}

// Connector opens connections. The deployment controller goes through a
// Connector so tests can substitute an in-memory implementation.
type Connector interface {
	Connect(ctx context.Context, dialect Dialect, shape Shape, url string) (Conn, error)
}

// DefaultConnector opens real connections with pgx and go-sql-driver/mysql.
type DefaultConnector struct{}

// Connect implements Connector.
func (DefaultConnector) Connect(ctx context.Context, dialect Dialect, shape Shape, url string) (Conn, error) {
	return Connect(ctx, dialect, shape, url)
}

// Connect opens a connection of the given dialect and shape.
func Connect(ctx context.Context, dialect Dialect, shape Shape, url string) (Conn, error) {
	if shape != Single && shape != Pooled {
		return nil, fmt.Errorf("connect: invalid shape %s", shape)
	}
	switch dialect {
	case PostgreSQL:
		if shape == Pooled {
			return connectPostgresPool(ctx, url)
		}
		return connectPostgres(ctx, url)
	case MySQL:
		if shape == Pooled {
			return connectMySQLPool(ctx, url)
		}
		return connectMySQL(ctx, url)
	default:
		return nil, fmt.Errorf("connect: invalid dialect %s", dialect)
	}
}

func toArgs(params []Value) []any {
	if len(params) == 0 {
		return nil
	}
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = Native(p)
	}
	return args
}
