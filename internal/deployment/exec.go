package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits after SIGTERM.
const DefaultStopTimeout = 30 * time.Second

// ExecSupervisor launches binaries with os/exec. Output of each process goes
// to <LogDir>/<name>.log, or is discarded when LogDir is empty.
type ExecSupervisor struct {
	LogDir      string
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Start launches spec.Binary. The process outlives ctx; only Stop ends it.
func (s *ExecSupervisor) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.logFile(spec.Name)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		closeLog(out)
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	timeout := s.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	p := &execProcess{
		name:    spec.Name,
		cmd:     cmd,
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  s.logger().With("process", spec.Name, "pid", cmd.Process.Pid),
	}
	p.logger.Debug("process started", "binary", spec.Binary, "args", spec.Args)

	go func() {
		err := cmd.Wait()
		closeLog(out)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		p.logger.Debug("process exited", "error", err)
	}()

	return p, nil
}

// logFile returns nil when LogDir is empty; the child then writes to the
// null device.
func (s *ExecSupervisor) logFile(name string) (*os.File, error) {
	if s.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(s.LogDir, name+".log"))
	if err != nil {
		return nil, fmt.Errorf("create log for %s: %w", name, err)
	}
	return f, nil
}

func (s *ExecSupervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func closeLog(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

type execProcess struct {
	name    string
	cmd     *exec.Cmd
	done    chan struct{}
	timeout time.Duration
	logger  *slog.Logger

	mu  sync.Mutex
	err error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// signal delivers sig to the process group so helpers the binary spawned
// stop with it.
func (p *execProcess) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Stop sends SIGTERM and waits. A process still running after the stop
// timeout is killed and Stop reports it as an error.
func (p *execProcess) Stop(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}
	if err := p.signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", p.name, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = p.signal(syscall.SIGKILL)
	<-p.done
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s killed after stop was cancelled: %w", p.name, err)
	}
	return fmt.Errorf("%s did not exit within %s of SIGTERM and was killed", p.name, p.timeout)
}
