// Package probe interprets diagnostic queries issued through a dbconn.Conn.
//
// LastStatementDestination asks an adapter where its previous statement was
// served. SlotExists, PublicationExists and Artifacts inspect the upstream
// catalog for the logical-replication artifacts a deployment leaves behind.
package probe

import (
	"context"
	"fmt"

	"github.com/roach88/clustertest/internal/dbconn"
)

// Destination is where an adapter routed a statement.
type Destination int

const (
	// ServedByCache means the cache answered the statement.
	ServedByCache Destination = iota + 1
	// ServedByUpstream means the adapter proxied the statement upstream.
	ServedByUpstream
)

func (d Destination) String() string {
	switch d {
	case ServedByCache:
		return "cache"
	case ServedByUpstream:
		return "upstream"
	default:
		return fmt.Sprintf("destination(%d)", int(d))
	}
}

const (
	// LastStatementQuery is the adapter's diagnostic for the previous statement
	// on the same session.
	LastStatementQuery = "EXPLAIN LAST STATEMENT"

	// DestinationColumn holds the routing decision in the diagnostic row.
	DestinationColumn = "Query_destination"
)

// LastStatementDestination reports where the most recent statement on conn was
// served. Only PostgreSQL adapters are supported; a MySQL connection fails with
// a *dbconn.DecodeError without issuing any query.
//
// The diagnostic is per-session, so conn should have the Single shape. On a
// pool the previous statement may have run on a different session.
func LastStatementDestination(ctx context.Context, conn dbconn.Conn) (Destination, error) {
	if conn.Dialect() != dbconn.PostgreSQL {
		return 0, &dbconn.DecodeError{
			Want:    dbconn.PostgreSQL,
			Got:     conn.Dialect(),
			Message: "last statement destination is only reported by postgresql adapters",
		}
	}

	res, err := conn.SimpleQuery(ctx, LastStatementQuery)
	if err != nil {
		return 0, err
	}

	switch r := res.(type) {
	case dbconn.PostgresResults:
		return decodeDestination(r)
	case dbconn.MySQLResults:
		return 0, dbconn.WrongDialect(dbconn.PostgreSQL, r)
	default:
		return 0, &dbconn.DecodeError{Message: fmt.Sprintf("unexpected result type %T", res)}
	}
}

func decodeDestination(rows dbconn.PostgresResults) (Destination, error) {
	if len(rows) != 1 {
		return 0, &dbconn.DecodeError{
			Message: fmt.Sprintf("%s returned %d rows, want 1", LastStatementQuery, len(rows)),
		}
	}
	v, null, ok := rows[0].Get(DestinationColumn)
	switch {
	case !ok:
		return 0, &dbconn.DecodeError{Message: fmt.Sprintf("missing %s column", DestinationColumn)}
	case null:
		return 0, &dbconn.DecodeError{Message: fmt.Sprintf("%s is NULL", DestinationColumn)}
	}
	return ParseDestination(v)
}

// ParseDestination maps the adapter's textual destination. Mixed outcomes such
// as "readyset_then_upstream" are rejected rather than folded into either side.
func ParseDestination(s string) (Destination, error) {
	switch s {
	case "readyset":
		return ServedByCache, nil
	case "upstream":
		return ServedByUpstream, nil
	default:
		return 0, &dbconn.DecodeError{Message: fmt.Sprintf("unrecognized %s %q", DestinationColumn, s)}
	}
}
