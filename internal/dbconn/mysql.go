package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// sqlQuerier is satisfied by both *sql.Conn and *sql.DB.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type mysqlConn struct {
	q      sqlQuerier
	shape  Shape
	close  func() error
	closed bool
}

// MySQLDSN converts a mysql:// URL into a go-sql-driver DSN. Input that is
// already in DSN form is validated and normalized. parseTime is always on so
// temporal columns decode as time.Time.
func MySQLDSN(raw string) (string, error) {
	var cfg *mysql.Config
	if strings.HasPrefix(raw, "mysql://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse mysql url: %w", err)
		}
		cfg = mysql.NewConfig()
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		if u.Port() == "" {
			cfg.Addr = net.JoinHostPort(u.Hostname(), "3306")
		}
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		for k, vs := range u.Query() {
			if len(vs) == 0 {
				continue
			}
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params[k] = vs[0]
		}
	} else {
		parsed, err := mysql.ParseDSN(raw)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg = parsed
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func openMySQL(ctx context.Context, raw string) (*sql.DB, error) {
	dsn, err := MySQLDSN(raw)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

func connectMySQL(ctx context.Context, raw string) (Conn, error) {
	db, err := openMySQL(ctx, raw)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquire mysql session: %w", err)
	}
	return &mysqlConn{
		q:     conn,
		shape: Single,
		close: func() error {
			cerr := conn.Close()
			if err := db.Close(); err != nil {
				return err
			}
			return cerr
		},
	}, nil
}

func connectMySQLPool(ctx context.Context, raw string) (Conn, error) {
	db, err := openMySQL(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &mysqlConn{q: db, shape: Pooled, close: db.Close}, nil
}

func (c *mysqlConn) Dialect() Dialect { return MySQL }
func (c *mysqlConn) Shape() Shape     { return c.shape }

func (c *mysqlConn) QueryDrop(ctx context.Context, query string) error {
	if _, err := c.q.ExecContext(ctx, query); err != nil {
		return &QueryError{Dialect: MySQL, SQL: query, Err: err}
	}
	return nil
}

func (c *mysqlConn) Query(ctx context.Context, query string) (*RowSet, error) {
	return c.Execute(ctx, query)
}

func (c *mysqlConn) Execute(ctx context.Context, query string, params ...Value) (*RowSet, error) {
	rows, err := c.q.QueryContext(ctx, query, toArgs(params)...)
	if err != nil {
		return nil, &QueryError{Dialect: MySQL, SQL: query, Err: err}
	}
	rs, err := collectMySQL(rows)
	if err != nil {
		return nil, &QueryError{Dialect: MySQL, SQL: query, Err: err}
	}
	return rs, nil
}

func (c *mysqlConn) SimpleQuery(ctx context.Context, query string) (SimpleResults, error) {
	rows, err := c.q.QueryContext(ctx, query)
	if err != nil {
		return nil, &QueryError{Dialect: MySQL, SQL: query, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Dialect: MySQL, SQL: query, Err: err}
	}
	var out MySQLResults
	for rows.Next() {
		raw := make([]sql.RawBytes, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, &QueryError{Dialect: MySQL, SQL: query, Err: err}
		}
		row := SimpleRow{Columns: cols, Values: make([]*string, len(cols))}
		for i, cell := range raw {
			if cell != nil {
				row.Values[i] = strPtr(string(cell))
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Dialect: MySQL, SQL: query, Err: err}
	}
	return out, nil
}

func (c *mysqlConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.close()
}

func collectMySQL(rows *sql.Rows) (*RowSet, error) {
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	rs := &RowSet{Columns: make([]string, len(types))}
	for i, ct := range types {
		rs.Columns[i] = ct.Name()
	}
	for rows.Next() {
		raw := make([]any, len(types))
		dest := make([]any, len(types))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(Row, len(types))
		for i, v := range raw {
			val, err := mysqlValue(types[i].DatabaseTypeName(), v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", rs.Columns[i], err)
			}
			row[i] = val
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, rows.Err()
}

// mysqlValue decodes a scanned value using the column's declared type. The
// text protocol hands every non-NULL value back as bytes, so the type name is
// the only way to recover integers and decimals.
func mysqlValue(typeName string, raw any) (Value, error) {
	b, ok := raw.([]byte)
	if !ok {
		return FromAny(raw)
	}
	s := string(b)
	switch {
	case strings.HasSuffix(typeName, "INT") || typeName == "YEAR":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
		if _, err := strconv.ParseUint(s, 10, 64); err == nil {
			return Numeric(s), nil
		}
		return nil, fmt.Errorf("invalid %s value %q", typeName, s)
	case typeName == "DECIMAL":
		return Numeric(s), nil
	case typeName == "FLOAT" || typeName == "DOUBLE":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", typeName, s)
		}
		return Float(f), nil
	case strings.Contains(typeName, "BLOB") || strings.HasSuffix(typeName, "BINARY") || typeName == "BIT":
		return Bytes(b), nil
	default:
		return Text(s), nil
	}
}
