// Package store is the run ledger: a SQLite record of every deployment a run
// started and the lifecycle events each one went through.
//
// # Invariants
//
// Live names are unique. A partial UNIQUE index on deployments(name) covers
// every row whose status is not torn_down, so a second Reserve for a live name
// fails with ErrNameInUse. Once a deployment is torn down its name may be
// reserved again; the new row gets the next generation number. Cleanup runs
// rely on this to relaunch under the name whose artifacts they remove.
//
// Status only moves forward: provisioning → running → torn_down, or
// provisioning → torn_down when a start fails. Transition rejects anything
// else with ErrIllegalTransition.
//
// Events are ordered by seq, an AUTOINCREMENT key, never by wall time.
//
// # Database Configuration
//
// The ledger defaults to ":memory:" and is discarded with the run. A file path
// keeps it for post-mortem inspection; the same pragmas apply either way:
//
//   - WAL mode (ignored for in-memory databases)
//   - busy_timeout=5000
//   - foreign_keys=ON
//   - a single open connection, since every in-memory connection is its own
//     database
package store
