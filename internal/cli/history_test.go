package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/store"
	"github.com/roach88/clustertest/internal/testutil"
)

// recordRun runs the passing scenarios with a ledger file and returns its path.
func recordRun(t *testing.T) string {
	t.Helper()
	ledger := filepath.Join(t.TempDir(), "run.db")
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())
	require.NoError(t, execute(t, cmd, runArgs("--ledger", ledger, "testdata/scenarios/passing")...), out.String())
	return ledger
}

func TestHistoryCommand_RequiresLedger(t *testing.T) {
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, "history")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "--ledger is required")
}

func TestHistoryCommand_ListsDeployments(t *testing.T) {
	ledger := recordRun(t)
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, "history", "--ledger", ledger)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "artifacts_created/1  normal   torn_down")
	assert.Contains(t, out.String(), "upstream_roundtrip/1  normal   torn_down")
	assert.NotContains(t, out.String(), "Live:")
}

func TestHistoryCommand_DeploymentEvents(t *testing.T) {
	ledger := recordRun(t)
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, "history", "--format", "json", "--ledger", ledger, "--deployment", "upstream_roundtrip")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   HistoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data.Deployments, 1)
	d := resp.Data.Deployments[0]
	assert.Equal(t, "upstream_roundtrip", d.Name)
	assert.Equal(t, store.StatusTornDown, d.Status)
	require.NotEmpty(t, d.Events)
	assert.Equal(t, "upstream_ready", d.Events[0].Kind)
	for i := 1; i < len(d.Events); i++ {
		assert.Greater(t, d.Events[i].Seq, d.Events[i-1].Seq, "events are ordered by seq")
	}
	assert.Empty(t, resp.Data.Live)
}

func TestHistoryCommand_UnknownDeployment(t *testing.T) {
	ledger := recordRun(t)
	cmd, out, _ := newTestRoot(t, testutil.NewFakeCluster())

	err := execute(t, cmd, "history", "--ledger", ledger, "--deployment", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "no deployment named nope")
}

func TestBuildHistory(t *testing.T) {
	records := []store.DeploymentRecord{
		{Name: "a", Generation: 1, Mode: store.ModeNormal, Status: store.StatusTornDown},
		{Name: "a", Generation: 2, Mode: store.ModeCleanup, Status: store.StatusRunning},
		{Name: "b", Generation: 1, Mode: store.ModeNormal, Status: store.StatusTornDown, Error: "boom"},
	}
	events := []store.LifecycleEvent{
		{Seq: 1, Name: "a", Generation: 1, Kind: "upstream_ready"},
		{Seq: 2, Name: "a", Generation: 2, Kind: "launched", Detail: "a-adapter-0"},
	}

	all := buildHistory(records, []string{"a"}, events, "", false)
	require.Len(t, all.Deployments, 3)
	assert.Len(t, all.Deployments[0].Events, 1)
	assert.Len(t, all.Deployments[1].Events, 1)
	assert.Equal(t, "launched", all.Deployments[1].Events[0].Kind)
	assert.Equal(t, "boom", all.Deployments[2].Error)

	live := buildHistory(records, []string{"a"}, nil, "", true)
	require.Len(t, live.Deployments, 1)
	assert.Equal(t, 2, live.Deployments[0].Generation)

	one := buildHistory(records, []string{"a"}, nil, "b", false)
	require.Len(t, one.Deployments, 1)
	assert.Equal(t, "b", one.Deployments[0].Name)
}
