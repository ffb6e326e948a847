// Package harness runs scripted scenarios against a caching deployment.
//
// A scenario starts one topology, then drives SQL through its first adapter
// and its upstream, checking result rows, where each statement was served,
// and the replication artifacts left on the upstream.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: embedded_readers
//	description: "Cached reads keep working with fewer adapters than replicas"
//	deployment:
//	  dialect: postgresql
//	  upstream: true
//	  adapters: 1
//	  servers:
//	    - no_readers: true
//	  reader_replicas: 2
//	  embedded_readers: true
//	  allow_full_materialization: true
//	steps:
//	  - exec: CREATE TABLE t (x int)
//	  - exec: INSERT INTO t (x) VALUES (1)
//	  - exec: CREATE CACHE FROM SELECT x FROM t
//	    eventually: true
//	  - query: SELECT x FROM t
//	    rows: [[1]]
//	    destination: cache
//	    eventually: true
//	  - query: SELECT count(*) FROM t WHERE x = $1
//	    params: [1]
//	    rows: [[1]]
//	    timeout: 10s
//	    eventually: true
//
// The deployment block is checked against an embedded CUE schema before
// anything runs, then against the deployment builder's own rules.
//
// # Step Kinds
//
// Each step sets exactly one of:
//
//   - exec: run a statement, discarding rows
//   - query: run a statement and compare rows and destination
//   - teardown: stop the current deployment
//   - cleanup: start the topology again in cleanup mode without waiting
//   - wait_adapter_death: wait until the current adapters exit
//   - expect_artifacts: check the replication slot and publication
//
// exec and query run on the first adapter's single connection by default.
// on: selects adapter_pool, upstream or upstream_pool instead, and
// expect_artifacts accepts on: upstream_pool. Steps
// marked eventually are retried until they pass or their timeout elapses.
//
// # Deterministic Testing
//
// Traces leave out timings and attempt counts. Combined with a fixed Namer
// and the in-memory cluster in internal/testutil, a scenario's trace is
// identical across runs and can be compared with golden files.
package harness
