package dbconn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is satisfied by both *pgx.Conn and *pgxpool.Pool.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgConn struct {
	q      pgQuerier
	shape  Shape
	simple func(ctx context.Context, sql string) ([]*pgconn.Result, error)
	close  func() error
	closed bool
}

func connectPostgres(ctx context.Context, url string) (Conn, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgresql: %w", err)
	}
	return &pgConn{
		q:     conn,
		shape: Single,
		simple: func(ctx context.Context, sql string) ([]*pgconn.Result, error) {
			return conn.PgConn().Exec(ctx, sql).ReadAll()
		},
		close: func() error { return conn.Close(context.Background()) },
	}, nil
}

func connectPostgresPool(ctx context.Context, url string) (Conn, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgresql pool: %w", err)
	}
	return &pgConn{
		q:     pool,
		shape: Pooled,
		simple: func(ctx context.Context, sql string) ([]*pgconn.Result, error) {
			c, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer c.Release()
			return c.Conn().PgConn().Exec(ctx, sql).ReadAll()
		},
		close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func (c *pgConn) Dialect() Dialect { return PostgreSQL }
func (c *pgConn) Shape() Shape     { return c.shape }

func (c *pgConn) QueryDrop(ctx context.Context, sql string) error {
	if _, err := c.q.Exec(ctx, sql); err != nil {
		return &QueryError{Dialect: PostgreSQL, SQL: sql, Err: err}
	}
	return nil
}

func (c *pgConn) Query(ctx context.Context, sql string) (*RowSet, error) {
	return c.Execute(ctx, sql)
}

func (c *pgConn) Execute(ctx context.Context, sql string, params ...Value) (*RowSet, error) {
	rows, err := c.q.Query(ctx, sql, toArgs(params)...)
	if err != nil {
		return nil, &QueryError{Dialect: PostgreSQL, SQL: sql, Err: err}
	}
	rs, err := collectPostgres(rows)
	if err != nil {
		return nil, &QueryError{Dialect: PostgreSQL, SQL: sql, Err: err}
	}
	return rs, nil
}

func (c *pgConn) SimpleQuery(ctx context.Context, sql string) (SimpleResults, error) {
	results, err := c.simple(ctx, sql)
	if err != nil {
		return nil, &QueryError{Dialect: PostgreSQL, SQL: sql, Err: err}
	}
	var out PostgresResults
	for _, res := range results {
		if res.Err != nil {
			return nil, &QueryError{Dialect: PostgreSQL, SQL: sql, Err: res.Err}
		}
		cols := make([]string, len(res.FieldDescriptions))
		for i, fd := range res.FieldDescriptions {
			cols[i] = fd.Name
		}
		for _, raw := range res.Rows {
			row := SimpleRow{Columns: cols, Values: make([]*string, len(raw))}
			for i, cell := range raw {
				if cell != nil {
					row.Values[i] = strPtr(string(cell))
				}
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func (c *pgConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.close(); err != nil {
		return fmt.Errorf("close postgresql: %w", err)
	}
	return nil
}

func collectPostgres(rows pgx.Rows) (*RowSet, error) {
	defer rows.Close()

	rs := &RowSet{}
	for rows.Next() {
		if rs.Columns == nil {
			rs.Columns = fieldNames(rows.FieldDescriptions())
		}
		raw, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(raw))
		for i, v := range raw {
			val, err := FromAny(v)
			if err != nil {
				return nil, fmt.Errorf("column %d: %w", i, err)
			}
			row[i] = val
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if rs.Columns == nil {
		rs.Columns = fieldNames(rows.FieldDescriptions())
	}
	return rs, nil
}

func fieldNames(fds []pgconn.FieldDescription) []string {
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	return names
}
