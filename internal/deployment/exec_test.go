package deployment

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExecSupervisor_StopTerminates(t *testing.T) {
	sleep := requireBinary(t, "sleep")
	s := &ExecSupervisor{Logger: discardLogger()}

	p, err := s.Start(context.Background(), ProcessSpec{Name: "t-server-0", Binary: sleep, Args: []string{"30"}})
	require.NoError(t, err)
	assert.True(t, p.Alive())

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Alive())
	assert.Error(t, p.Err(), "a signalled process reports its signal")

	assert.NoError(t, p.Stop(context.Background()), "stopping an exited process is a no-op")
}

func TestExecSupervisor_ExitStatusAndLog(t *testing.T) {
	sh := requireBinary(t, "sh")
	dir := t.TempDir()
	s := &ExecSupervisor{LogDir: dir, Logger: discardLogger()}

	p, err := s.Start(context.Background(), ProcessSpec{
		Name:   "t-adapter-0",
		Binary: sh,
		Args:   []string{"-c", "echo listening; exit 3"},
	})
	require.NoError(t, err)
	waitDone(t, p)

	var exitErr *exec.ExitError
	require.ErrorAs(t, p.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())

	out, err := os.ReadFile(filepath.Join(dir, "t-adapter-0.log"))
	require.NoError(t, err)
	assert.Equal(t, "listening\n", string(out))
}

func TestExecSupervisor_KillsAfterStopTimeout(t *testing.T) {
	sh := requireBinary(t, "sh")
	s := &ExecSupervisor{LogDir: t.TempDir(), StopTimeout: 100 * time.Millisecond, Logger: discardLogger()}

	p, err := s.Start(context.Background(), ProcessSpec{
		Name:   "t-server-0",
		Binary: sh,
		Args:   []string{"-c", `trap "" TERM; while true; do sleep 1; done`},
	})
	require.NoError(t, err)
	// Give the shell time to install the trap.
	time.Sleep(200 * time.Millisecond)

	err = p.Stop(context.Background())
	assert.ErrorContains(t, err, "was killed")
	assert.False(t, p.Alive())
}

func TestExecSupervisor_MissingBinary(t *testing.T) {
	s := &ExecSupervisor{Logger: discardLogger()}
	_, err := s.Start(context.Background(), ProcessSpec{Name: "t-server-0", Binary: "/nonexistent/readyset-server"})
	assert.ErrorContains(t, err, "start t-server-0")
}

func TestExecSupervisor_CancelledContext(t *testing.T) {
	s := &ExecSupervisor{Logger: discardLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Start(ctx, ProcessSpec{Name: "t-server-0", Binary: "true"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalPorts_Allocate(t *testing.T) {
	addr, err := LocalPorts{}.Allocate()
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err, "the released port can be bound")
	require.NoError(t, l.Close())
}
