// Package dbconn is the uniform query surface the harness uses to talk to an
// upstream database or to an adapter.
//
// A Conn is tagged with a Dialect (MySQL or PostgreSQL) and a Shape (a single
// session or a pool). The dialect never changes after Connect.
//
// # Result shapes
//
// Query and Execute return a RowSet of dialect-agnostic Values, which is what
// scenarios compare against. SimpleQuery returns SimpleResults, a tagged
// variant whose concrete type is either MySQLResults or PostgresResults. It is
// meant for diagnostic statements whose row shape depends on the dialect:
//
//	res, err := conn.SimpleQuery(ctx, "EXPLAIN LAST STATEMENT")
//	switch r := res.(type) {
//	case dbconn.PostgresResults:
//	    // use r
//	case dbconn.MySQLResults:
//	    return dbconn.WrongDialect(dbconn.PostgreSQL, r)
//	}
//
// Consumers must never coerce one variant into the other.
//
// # Ownership
//
// A Conn is single-owner. It is not safe for concurrent use and does not
// guard itself; callers keep one goroutine per Conn.
package dbconn
