package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/testutil"
)

func newRunner(t *testing.T, cluster *testutil.FakeCluster) *Runner {
	t.Helper()
	ctrl, err := deployment.NewController(cluster.Options())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ctrl.Close(context.Background()))
	})
	return &Runner{
		Controller:   ctrl,
		Namer:        testutil.FixedNamer{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 5 * time.Millisecond,
		Timeout:      2 * time.Second,
	}
}

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func parse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	return s
}

func TestRun_CleanupWorks(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	r := newRunner(t, cluster)

	result, err := r.Run(context.Background(), loadTestdata(t, "cleanup_works"))
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Trace, 10)

	assert.True(t, cluster.Artifacts("cleanup_works").Clean())
	assert.True(t, cluster.HasDatabase("cleanup_works"), "the upstream database outlives the run")
}

func TestRun_EmbeddedReaders(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	r := newRunner(t, cluster)

	result, err := r.Run(context.Background(), loadTestdata(t, "embedded_readers_adapters_lt_replicas"))
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "[[2]]", last.Rows)
	assert.Equal(t, "cache", last.Destination)
	assert.Contains(t, cluster.Stopped(), "embedded_readers_adapters_lt_replicas-adapter-0",
		"deployments are torn down when the run ends")
}

func TestRun_RowMismatchStopsScenario(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	s := parse(t, `
name: ct_mismatch
description: "Wrong expectation"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - exec: "CREATE TABLE t (x int)"
  - exec: "INSERT INTO t VALUES (1)"
  - query: "SELECT x FROM t"
    rows: [[2]]
  - exec: "INSERT INTO t VALUES (3)"
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err, "assertion failures are reported in the result")
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 3 (query)")
	assert.Contains(t, result.Errors[0], "assertion failed: rows")
	assert.Contains(t, result.Errors[0], "Expected: [[2]]")
	assert.Contains(t, result.Errors[0], "Actual: [[1]]")
	assert.Contains(t, result.Errors[0], "[1] exec adapter: CREATE TABLE t (x int) -> ok", "failure lists the steps so far")

	require.Len(t, result.Trace, 4, "the step after the failure does not run")
	failed := result.Trace[3]
	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.Equal(t, "[[1]]", failed.Rows)
	assert.Equal(t, "assertion failed: rows", failed.Error)
}

func TestRun_EventuallyTimesOut(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	r.Timeout = 50 * time.Millisecond
	s := parse(t, `
name: ct_never_cached
description: "No cache is ever created"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - exec: "CREATE TABLE t (x int)"
  - query: "SELECT x FROM t"
    rows: []
    destination: cache
    eventually: true
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 2 query")
	assert.Contains(t, result.Errors[0], "served by cache")

	failed := result.Trace[2]
	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.Equal(t, "[]", failed.Rows, "the last observation is kept")
	assert.Equal(t, "upstream", failed.Destination)
}

func TestRun_StepTimeoutOverridesDefault(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	r.Timeout = time.Minute
	s := parse(t, `
name: ct_step_timeout
description: "Per-step deadline"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - exec: "SELECT x FROM missing"
    eventually: true
    timeout: 30ms
`)

	began := time.Now()
	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Less(t, time.Since(began), 10*time.Second)
	assert.Contains(t, result.Errors[0], "does not exist")
}

func TestRun_ParamsOnUpstream(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	s := parse(t, `
name: ct_params
description: "Parameterized statements on the upstream"
deployment: {dialect: postgresql, upstream: true}
steps:
  - exec: "CREATE TABLE t (x int, name text)"
    on: upstream
  - exec: "INSERT INTO t VALUES ($1, $2)"
    on: upstream
    params: [1, "one"]
  - query: "SELECT name FROM t WHERE x = $1"
    on: upstream
    params: [1]
    rows: [["one"]]
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)
	assert.Equal(t, `[1, "one"]`, result.Trace[2].Params)
	assert.Equal(t, `[["one"]]`, result.Trace[3].Rows)
}

func TestRun_PooledTargets(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	s := parse(t, `
name: ct_pooled
description: "Pooled sessions on the upstream and the adapter"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - exec: "CREATE TABLE t (x int)"
    on: upstream_pool
  - exec: "INSERT INTO t VALUES (7)"
    on: adapter_pool
  - query: "SELECT x FROM t"
    on: upstream_pool
    rows: [[7]]
  - query: "SELECT x FROM t"
    on: adapter_pool
    rows: [[7]]
    eventually: true
  - expect_artifacts: {slot: true, publication: true}
    on: upstream_pool
    eventually: true
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)
	assert.Equal(t, OnUpstreamPool, result.Trace[1].Target)
	assert.Equal(t, OnAdapterPool, result.Trace[2].Target)
	assert.Equal(t, OnUpstreamPool, result.Trace[5].Target)
	assert.Equal(t, "slot=true publication=true", result.Trace[5].Artifacts)
}

func TestRun_TeardownBeforeReplicationLeavesNoArtifacts(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	cluster.ArtifactDelay = time.Hour
	r := newRunner(t, cluster)
	s := parse(t, `
name: ct_early_teardown
description: "Stopping the adapter before it replicates leaves nothing to clean"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - teardown: true
  - expect_artifacts: {slot: true, publication: true}
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "slot=false publication=false", result.Trace[2].Artifacts)
	assert.Contains(t, result.Errors[0], "assertion failed: artifacts")
}

func TestRun_ArtifactMismatch(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	s := parse(t, `
name: ct_artifacts
description: "Artifacts exist while the adapter runs"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - expect_artifacts: {slot: true, publication: true}
    eventually: true
  - expect_artifacts: {slot: false, publication: false}
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "slot=true publication=true", result.Trace[2].Artifacts)
	assert.Contains(t, result.Errors[0], "assertion failed: artifacts")
}

func TestRun_AdapterAfterTeardown(t *testing.T) {
	r := newRunner(t, testutil.NewFakeCluster())
	s := parse(t, `
name: ct_after_teardown
description: "Adapters are unreachable once torn down"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - teardown: true
  - exec: "SELECT 1"
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], deployment.ErrTornDown.Error())
}

func TestRun_ProvisionFailure(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	cluster.FailLaunch("adapter-0", errors.New("exec format error"))
	r := newRunner(t, cluster)

	result, err := r.Run(context.Background(), loadTestdata(t, "cleanup_works"))
	require.Error(t, err)
	code, ok := deployment.ProvisionCode(err)
	require.True(t, ok)
	assert.Equal(t, deployment.ErrCodeLaunchFailed, code)

	require.NotNil(t, result)
	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "start", result.Trace[0].Kind)
	assert.Equal(t, OutcomeFailed, result.Trace[0].Outcome)
}

func TestRun_TeardownFailureIsReported(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	cluster.RefuseStop("adapter-0", errors.New("stuck"))
	r := newRunner(t, cluster)
	s := parse(t, `
name: ct_stuck
description: "Adapter refuses to stop"
deployment: {dialect: postgresql, standalone: true, upstream: true, adapters: 1}
steps:
  - exec: "SELECT 1"
`)

	result, err := r.Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "teardown ct_stuck")
	assert.Contains(t, result.Errors[0], "stuck")
}

func TestRun_NoController(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), &Scenario{Name: "x"})
	assert.ErrorContains(t, err, "no controller")
}

func TestUniqueNamer(t *testing.T) {
	a := UniqueNamer{}.Name("cleanup_works")
	b := UniqueNamer{}.Name("cleanup_works")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^cleanup_works_[0-9a-f]{12}$`, a)
}
