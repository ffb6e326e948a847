package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/clustertest/internal/harness"
	"github.com/roach88/clustertest/internal/testutil"
)

func runArgs(extra ...string) []string {
	return append(append([]string{"run"}, fastFlags...), extra...)
}

func TestRunCommandMissingArgs(t *testing.T) {
	cmd, _, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestRunCommand_AllPass(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	cmd, out, _ := newTestRoot(t, cluster)

	err := execute(t, cmd, runArgs("testdata/scenarios/passing")...)
	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "✓ artifacts_created")
	assert.Contains(t, out.String(), "✓ upstream_roundtrip")
	assert.Contains(t, out.String(), "Run Summary: 2 passed, 0 failed, 0 skipped, 2 total")
	assert.Contains(t, out.String(), "✓ All scenarios passed")

	assert.Contains(t, cluster.Stopped(), "upstream_roundtrip-adapter-0")
	assert.Contains(t, cluster.Stopped(), "artifacts_created-adapter-0")
}

func TestRunCommand_FailureExitsOne(t *testing.T) {
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, runArgs("testdata/scenarios/passing", "testdata/scenarios/failing")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "1 scenario(s) failed", err.Error())

	assert.Contains(t, out.String(), "✗ wrong_rows")
	assert.Contains(t, out.String(), "assertion failed: rows")
	assert.Contains(t, out.String(), "Expected: [[2 4]]")
	assert.Contains(t, out.String(), "Run Summary: 2 passed, 1 failed, 0 skipped, 3 total")
}

func TestRunCommand_FailFastSkipsRest(t *testing.T) {
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, runArgs("--fail-fast", "testdata/scenarios/failing", "testdata/scenarios/passing")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), "Run Summary: 0 passed, 1 failed, 2 skipped, 3 total")
	assert.NotContains(t, out.String(), "upstream_roundtrip")
}

func TestRunCommand_InvalidScenariosLaunchNothing(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	cmd, out, _ := newTestRoot(t, cluster)

	err := execute(t, cmd, runArgs("testdata/scenarios")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "✗ testdata/scenarios/invalid/no_steps.yaml")
	assert.Contains(t, out.String(), "[E103]")
	assert.Empty(t, cluster.Launched())
}

func TestRunCommand_ProvisionFailureExitsTwo(t *testing.T) {
	cluster := testutil.NewFakeCluster()
	cluster.FailLaunch("adapter-0", errors.New("exec format error"))
	cmd, out, _ := newTestRoot(t, cluster)

	err := execute(t, cmd, runArgs("--format", "json", "testdata/scenarios/passing/upstream_roundtrip.yaml")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProvision, resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	sr := resp.Data.Scenarios[0]
	assert.False(t, sr.Pass)
	assert.True(t, sr.ProvisionFailed)
	assert.Zero(t, sr.Steps)
	require.NotEmpty(t, sr.Errors)
	assert.Contains(t, sr.Errors[0], "exec format error")
}

func TestRunCommand_JSON(t *testing.T) {
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, runArgs("--format", "json", "testdata/scenarios/passing")...)
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 2)
	assert.Equal(t, "artifacts_created", resp.Data.Scenarios[0].Name)
	assert.Equal(t, 1, resp.Data.Scenarios[0].Steps)
	assert.Equal(t, "upstream_roundtrip", resp.Data.Scenarios[1].Name)
	assert.Equal(t, 3, resp.Data.Scenarios[1].Steps)
}

func TestRunCommand_TraceDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "traces")
	cmd, _, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, runArgs("--trace-dir", dir, "testdata/scenarios/failing")...)
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "wrong_rows.yaml"))
	require.NoError(t, err)

	var snap harness.TraceSnapshot
	require.NoError(t, yaml.Unmarshal(data, &snap))
	assert.Equal(t, "wrong_rows", snap.ScenarioName)
	assert.False(t, snap.Pass)
	require.Len(t, snap.Trace, 4)
	assert.Equal(t, "start", snap.Trace[0].Kind)
	last := snap.Trace[3]
	assert.Equal(t, harness.OutcomeFailed, last.Outcome)
	assert.Equal(t, "[[1, 4]]", last.Rows)
}

func TestRunCommand_MetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.prom")
	cmd, _, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, runArgs("--metrics-file", path, "testdata/scenarios/passing")...)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "clustertest_")
}

func TestRunCommand_VerboseLogsToStderr(t *testing.T) {
	cmd, out, errOut := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, runArgs("-v", "--format", "json", "testdata/scenarios/passing/artifacts_created.yaml")...)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "stdout stays valid JSON")
	assert.Contains(t, errOut.String(), "running artifacts_created")
}
