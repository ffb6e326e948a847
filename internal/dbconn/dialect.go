package dbconn

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL dialect spoken on a connection.
type Dialect int

const (
	// MySQL is the MySQL wire protocol and dialect.
	MySQL Dialect = iota + 1
	// PostgreSQL is the PostgreSQL wire protocol and dialect.
	PostgreSQL
)

// String returns the lowercase name used in flags and scenario files.
func (d Dialect) String() string {
	switch d {
	case MySQL:
		return "mysql"
	case PostgreSQL:
		return "postgresql"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// ParseDialect accepts the names used on the command line and in scenarios.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql":
		return MySQL, nil
	case "postgresql", "postgres", "pg":
		return PostgreSQL, nil
	default:
		return 0, fmt.Errorf("unknown database dialect %q", s)
	}
}

// Shape distinguishes a dedicated session from a pool of sessions.
type Shape int

const (
	// Single is one dedicated session. Session state such as the last
	// executed statement is stable across calls.
	Single Shape = iota + 1
	// Pooled hands each call to whichever pooled session is free.
	Pooled
)

func (s Shape) String() string {
	switch s {
	case Single:
		return "single"
	case Pooled:
		return "pooled"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}
