//go:build clustertest

package harness

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/deployment"
	"github.com/roach88/clustertest/internal/metrics"
)

// Run with real binaries and Docker (or an external upstream):
//
//	CLUSTERTEST_SERVER_BINARY=... CLUSTERTEST_ADAPTER_BINARY=... \
//	    go test -tags clustertest ./internal/harness/
func liveRunner(t *testing.T) *Runner {
	t.Helper()
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	for _, bin := range []string{cfg.ServerBinary, cfg.AdapterBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found: %v", bin, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctrl, err := deployment.NewController(cfg.ControllerOptions(logger, metrics.New()))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ctrl.Close(context.Background()))
	})
	return &Runner{
		Controller:   ctrl,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.EventuallyTimeout,
	}
}

func TestLive_CleanupWorks(t *testing.T) {
	r := liveRunner(t)

	result, err := r.Run(context.Background(), loadTestdata(t, "cleanup_works"))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestLive_EmbeddedReadersAdaptersLessThanReplicas(t *testing.T) {
	r := liveRunner(t)

	result, err := r.Run(context.Background(), loadTestdata(t, "embedded_readers_adapters_lt_replicas"))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}
